package transform

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/n0madic/go-chatrelay/internal/types"
)

// ParseMessages converts a client-supplied messages array into chat
// messages. Content may be a string or an array of {"type":"text"} parts;
// other part types are dropped. Messages left empty are skipped and a
// missing role defaults to "user".
func ParseMessages(messages gjson.Result) []types.ChatMessage {
	if !messages.IsArray() {
		return nil
	}
	var out []types.ChatMessage
	messages.ForEach(func(_, msg gjson.Result) bool {
		if !msg.IsObject() {
			return true
		}
		role := strings.TrimSpace(msg.Get("role").String())
		if role == "" {
			role = "user"
		}
		content := messageText(msg.Get("content"))
		if content == "" {
			return true
		}
		out = append(out, types.ChatMessage{Role: role, Content: content})
		return true
	})
	return out
}

func messageText(content gjson.Result) string {
	switch {
	case content.Type == gjson.String:
		return content.Str
	case content.IsArray():
		var parts []string
		content.ForEach(func(_, part gjson.Result) bool {
			if t := part.Get("type").String(); t == "text" || t == "input_text" {
				if text := part.Get("text").String(); text != "" {
					parts = append(parts, text)
				}
			}
			return true
		})
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}
