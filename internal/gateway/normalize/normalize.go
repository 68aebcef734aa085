package normalize

import (
	"errors"

	"github.com/sashabaranov/go-openai"
)

// ErrUnsupportedFormat is returned for response bodies that are neither a
// chat completion nor a content-block message.
var ErrUnsupportedFormat = errors.New("unsupported response format from provider")

// Normalize converts a provider response body into the chat completion
// shape. A body whose first choice carries a message is returned as is. A
// content-block body (content[0].text) is rewrapped as a single assistant
// choice; everything else in it is dropped.
func Normalize(body map[string]any) (map[string]any, error) {
	if firstMessage(body) != nil {
		return body, nil
	}

	if text := firstContentText(body); text != "" {
		return map[string]any{
			"choices": []any{
				map[string]any{
					"message": map[string]any{
						"role":    openai.ChatMessageRoleAssistant,
						"content": text,
					},
				},
			},
		}, nil
	}

	return nil, ErrUnsupportedFormat
}

// Content returns the first choice's message content of a normalized
// completion, or "" when it is not a string (tool calls, null content).
func Content(completion map[string]any) string {
	msg := firstMessage(completion)
	if msg == nil {
		return ""
	}
	s, _ := msg["content"].(string)
	return s
}

func firstMessage(body map[string]any) map[string]any {
	choices, ok := body["choices"].([]any)
	if !ok || len(choices) == 0 {
		return nil
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return nil
	}
	msg, _ := choice["message"].(map[string]any)
	return msg
}

func firstContentText(body map[string]any) string {
	blocks, ok := body["content"].([]any)
	if !ok || len(blocks) == 0 {
		return ""
	}
	block, ok := blocks[0].(map[string]any)
	if !ok {
		return ""
	}
	text, _ := block["text"].(string)
	return text
}
