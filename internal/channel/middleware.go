package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SeenStore records message ids for deduplication. MarkSeen returns true the
// first time an id is observed within the ttl window.
type SeenStore interface {
	MarkSeen(id string, ttl time.Duration) (bool, error)
}

// MemorySeenStore is an in-process SeenStore with per-entry expiry.
type MemorySeenStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemorySeenStore creates an empty MemorySeenStore.
func NewMemorySeenStore() *MemorySeenStore {
	return &MemorySeenStore{
		entries: map[string]time.Time{},
		now:     time.Now,
	}
}

// MarkSeen records the id and reports whether it was new. Expired entries are
// pruned lazily on access.
func (s *MemorySeenStore) MarkSeen(id string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if expires, ok := s.entries[id]; ok && now.Before(expires) {
		return false, nil
	}
	for key, expires := range s.entries {
		if !now.Before(expires) {
			delete(s.entries, key)
		}
	}
	s.entries[id] = now.Add(ttl)
	return true, nil
}

// DedupeMiddleware drops messages whose id was already processed within ttl.
// A store error fails open: the message is handled anyway.
func DedupeMiddleware(store SeenStore, ttl time.Duration, log *slog.Logger) Middleware {
	if log == nil {
		log = slog.Default()
	}
	return func(next InboundHandler) InboundHandler {
		return func(ctx context.Context, msg InboundMessage) error {
			id := msg.Message.ID
			if id == "" {
				id = SynthesizeID(msg.Message.CreatedAt, msg.Message.Content)
			}
			first, err := store.MarkSeen(id, ttl)
			if err != nil {
				log.Warn("dedupe store failed", slog.String("message_id", id), slog.Any("error", err))
				return next(ctx, msg)
			}
			if !first {
				log.Debug("duplicate message ignored", slog.String("message_id", id))
				return nil
			}
			return next(ctx, msg)
		}
	}
}

// FreshnessMiddleware drops messages whose creation time is older than maxAge.
// Backlog replayed by the platform after a reconnect is skipped this way.
func FreshnessMiddleware(maxAge time.Duration, log *slog.Logger) Middleware {
	if log == nil {
		log = slog.Default()
	}
	return func(next InboundHandler) InboundHandler {
		return func(ctx context.Context, msg InboundMessage) error {
			created := msg.Message.CreatedAt
			if created > 0 {
				age := time.Since(time.Unix(created, 0))
				if age > maxAge {
					log.Debug("stale message skipped",
						slog.String("message_id", msg.Message.ID),
						slog.Duration("age", age),
					)
					return nil
				}
			}
			return next(ctx, msg)
		}
	}
}
