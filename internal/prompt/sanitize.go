package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Strip removes an echoed prompt from raw runtime output. Everything up to
// and including the first occurrence of usedPrompt is dropped; later
// occurrences are part of the reply and are kept.
func Strip(rawOutput, usedPrompt string) string {
	if usedPrompt != "" {
		if idx := strings.Index(rawOutput, usedPrompt); idx >= 0 {
			return strings.TrimSpace(rawOutput[idx+len(usedPrompt):])
		}
	}
	return strings.TrimSpace(rawOutput)
}

// generated is the object shape text-generation runtimes return.
type generated struct {
	GeneratedText *string `json:"generated_text"`
}

// DecodeGenerated extracts generated text from the reply shapes runtimes
// use: a list of {generated_text} objects (first one wins), a single
// {generated_text} object, or a bare JSON string. null decodes to "".
func DecodeGenerated(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", fmt.Errorf("decode generated string: %w", err)
		}
		return s, nil
	case '[':
		var list []generated
		if err := json.Unmarshal(data, &list); err != nil {
			return "", fmt.Errorf("decode generated list: %w", err)
		}
		if len(list) == 0 || list[0].GeneratedText == nil {
			return "", nil
		}
		return *list[0].GeneratedText, nil
	case '{':
		var obj generated
		if err := json.Unmarshal(data, &obj); err != nil {
			return "", fmt.Errorf("decode generated object: %w", err)
		}
		if obj.GeneratedText == nil {
			return "", nil
		}
		return *obj.GeneratedText, nil
	}
	return "", fmt.Errorf("decode generated: unexpected reply shape %q", truncate(data, 32))
}

// DecodeMessageContent extracts assistant content from a chat message that
// is either a bare string or a {content} object.
func DecodeMessageContent(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", fmt.Errorf("decode message string: %w", err)
		}
		return s, nil
	}
	var msg struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", fmt.Errorf("decode message object: %w", err)
	}
	return msg.Content, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
