package wechat

import "strings"

// systemAccounts are platform-internal senders that never carry user
// conversation traffic.
var systemAccounts = map[string]struct{}{
	"weixin":                {},
	"filehelper":            {},
	"fmessage":              {},
	"medianote":             {},
	"floatbottle":           {},
	"qmessage":              {},
	"qqmail":                {},
	"tmessage":              {},
	"weibo":                 {},
	"newsapp":               {},
	"notification_messages": {},
	"helper_entry":          {},
	"mphelper":              {},
	"brandsessionholder":    {},
	"weixinreminder":        {},
	"officialaccounts":      {},
}

// serviceSubstrings mark platform service accounts by id fragment.
var serviceSubstrings = []string{
	"wxpay",
	"tencent",
	"game",
	"service",
	"official",
}

// filter decides whether an inbound conversation should be processed.
type filter struct {
	mode      IgnoreMode
	whitelist map[string]struct{}
	blacklist map[string]struct{}
}

func newFilter(cfg *Config) *filter {
	f := &filter{
		mode:      cfg.IgnoreMode,
		whitelist: map[string]struct{}{},
		blacklist: map[string]struct{}{},
	}
	for _, id := range cfg.Whitelist {
		if id = strings.TrimSpace(id); id != "" {
			f.whitelist[id] = struct{}{}
		}
	}
	for _, id := range cfg.Blacklist {
		if id = strings.TrimSpace(id); id != "" {
			f.blacklist[id] = struct{}{}
		}
	}
	return f
}

// Allow reports whether a message from the given conversation and sender
// should reach the pipeline. Platform system and service accounts are always
// dropped; the ignore mode applies on top of that.
func (f *filter) Allow(origin, sender string) bool {
	for _, id := range []string{origin, sender} {
		if id == "" {
			continue
		}
		if isSystemAccount(id) {
			return false
		}
	}
	switch f.mode {
	case IgnoreWhitelist:
		_, ok := f.whitelist[origin]
		if !ok {
			_, ok = f.whitelist[sender]
		}
		return ok
	case IgnoreBlacklist:
		if _, ok := f.blacklist[origin]; ok {
			return false
		}
		if _, ok := f.blacklist[sender]; ok {
			return false
		}
		return true
	default:
		return true
	}
}

// isSystemAccount identifies official accounts (gh_ prefix), fixed system
// accounts, and service accounts by id fragment.
func isSystemAccount(id string) bool {
	if strings.HasPrefix(id, "gh_") {
		return true
	}
	if _, ok := systemAccounts[id]; ok {
		return true
	}
	lower := strings.ToLower(id)
	for _, fragment := range serviceSubstrings {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
