package relay

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// NormalizeContent validates edited content and returns its stored form.
// Strings are trimmed and must be non-empty. Objects are stored as compact JSON
// and must not carry an empty "blocks" array. Any other JSON kind is invalid.
func NormalizeContent(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", ErrEmptyContent
	}
	switch trimmed[0] {
	case '"':
		return normalizeText(trimmed)
	case '{':
		return normalizeDocument(trimmed)
	default:
		return "", ErrInvalidContent
	}
}

// NormalizeSubmission validates newly posted content. It accepts everything
// NormalizeContent does, plus any other non-falsy JSON value (non-zero numbers,
// true, arrays) stored as compact JSON. null, false and zero are empty.
func NormalizeSubmission(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", ErrEmptyContent
	}
	switch trimmed[0] {
	case '"':
		return normalizeText(trimmed)
	case '{':
		return normalizeDocument(trimmed)
	}
	if !json.Valid(trimmed) {
		return "", ErrInvalidContent
	}
	if falsy(trimmed) {
		return "", ErrEmptyContent
	}
	return compact(trimmed)
}

func normalizeText(raw []byte) (string, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", ErrInvalidContent
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyContent
	}
	return text, nil
}

func normalizeDocument(raw []byte) (string, error) {
	var document map[string]json.RawMessage
	if err := json.Unmarshal(raw, &document); err != nil {
		return "", ErrInvalidContent
	}
	if blocks := bytes.TrimSpace(document["blocks"]); len(blocks) > 0 && blocks[0] == '[' {
		var entries []json.RawMessage
		if err := json.Unmarshal(blocks, &entries); err == nil && len(entries) == 0 {
			return "", ErrEmptyContent
		}
	}
	return compact(raw)
}

func compact(raw []byte) (string, error) {
	var buffer bytes.Buffer
	if err := json.Compact(&buffer, raw); err != nil {
		return "", ErrInvalidContent
	}
	return buffer.String(), nil
}

func falsy(raw []byte) bool {
	switch string(raw) {
	case "null", "false":
		return true
	}
	if raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9') {
		value, err := strconv.ParseFloat(string(raw), 64)
		return err == nil && value == 0
	}
	return false
}
