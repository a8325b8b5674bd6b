package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// ClassifyContent resolves a raw agent content payload into a role and a
// display text. A plain string is text. For block arrays a tool_result block
// wins over tool_use, which wins over text; text-only content keeps fallback.
func ClassifyContent(raw json.RawMessage, fallback Role) (Role, string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fallback, "", nil
	}

	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return "", "", fmt.Errorf("decode text content: %w", err)
		}
		return fallback, text, nil
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", "", fmt.Errorf("decode content blocks: %w", err)
	}

	var texts, invocations, results []string
	for _, block := range blocks {
		switch block.Type {
		case "tool_result":
			results = append(results, blockText(block.Content))
		case "tool_use":
			invocations = append(invocations, describeToolUse(block))
		case "text":
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
		}
	}

	switch {
	case len(results) > 0:
		return RoleToolResult, strings.Join(results, "\n"), nil
	case len(invocations) > 0:
		return RoleToolInvocation, strings.Join(invocations, "\n"), nil
	default:
		return fallback, strings.Join(texts, "\n"), nil
	}
}

func describeToolUse(block contentBlock) string {
	input := bytes.TrimSpace(block.Input)
	if len(input) == 0 {
		return block.Name
	}
	return block.Name + " " + string(input)
}

// blockText flattens tool_result content, which is either a string or a list
// of text blocks.
func blockText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var nested []contentBlock
	if err := json.Unmarshal(raw, &nested); err == nil {
		parts := make([]string, 0, len(nested))
		for _, block := range nested {
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}
