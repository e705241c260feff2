package deepseek

import (
	"regexp"
	"strings"

	"github.com/lkarlslund/sessionrelay/pkg/middle"
)

var markdownImagePattern = regexp.MustCompile(`!\[(.*?)\]\((.*?)\)`)

type promptBlock struct {
	role string
	text string
}

// buildPrompt concatenates msgs into the single prompt string DeepSeek's
// completion endpoint expects, following messagesPrepare in
// other_examples/ColudAI-Deepseek2Go__main.go: adjacent same-role messages
// merge, assistant/user/system get role tags, tool results get an inline
// marker, and markdown images are flattened to plain link syntax.
func buildPrompt(msgs []middle.Message) string {
	blocks := make([]promptBlock, 0, len(msgs))
	for _, m := range msgs {
		text := m.Content
		if m.Role == "tool" {
			text = "<|tool_outputs id=" + m.ToolCallID + "|>" + text
		}
		blocks = append(blocks, promptBlock{role: m.Role, text: text})
	}
	if len(blocks) == 0 {
		return ""
	}

	merged := []promptBlock{blocks[0]}
	for _, cur := range blocks[1:] {
		last := &merged[len(merged)-1]
		if cur.role == last.role {
			last.text += "\n\n" + cur.text
		} else {
			merged = append(merged, cur)
		}
	}

	parts := make([]string, 0, len(merged))
	for idx, b := range merged {
		switch b.role {
		case "assistant":
			parts = append(parts, "<｜Assistant｜>"+b.text+"<｜end▁of▁sentence｜>")
		case "user", "system":
			if idx > 0 {
				parts = append(parts, "<｜User｜>"+b.text)
			} else {
				parts = append(parts, b.text)
			}
		default:
			parts = append(parts, b.text)
		}
	}
	final := strings.Join(parts, "")
	return markdownImagePattern.ReplaceAllString(final, "[$1]($2)")
}
