package wechat

import (
	"regexp"
	"strings"
)

// The chat client renders plain text only, so markdown decoration coming out
// of the pipeline is stripped before sending.
var (
	mdHeadingRe = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdBoldRe    = regexp.MustCompile(`\*\*([^*]+)\*\*|__([^_]+)__`)
	mdEmphRe    = regexp.MustCompile(`\*([^*]+)\*|_([^_]+)_`)
	mdCodeRe    = regexp.MustCompile("`([^`]*)`")
	mdLinkRe    = regexp.MustCompile(`\[([^\]]*)\]\(([^)]*)\)`)
	mdImageRe   = regexp.MustCompile(`!\[[^\]]*\]\(([^)]*)\)`)
)

// StripMarkdown removes common markdown decoration while keeping the text.
// Links keep their label, images keep their URL, fenced code keeps its body.
func StripMarkdown(text string) string {
	if text == "" {
		return text
	}
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		// Fence markers disappear; the code inside stays verbatim.
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		out = append(out, line)
	}
	text = strings.Join(out, "\n")
	text = mdImageRe.ReplaceAllString(text, "$1")
	text = mdLinkRe.ReplaceAllString(text, "$1")
	text = mdHeadingRe.ReplaceAllString(text, "")
	text = mdBoldRe.ReplaceAllString(text, "$1$2")
	text = mdEmphRe.ReplaceAllString(text, "$1$2")
	text = mdCodeRe.ReplaceAllString(text, "$1")
	return strings.TrimSpace(text)
}
