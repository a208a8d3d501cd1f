package protocol

import (
	"encoding/json"
	"unicode/utf8"
)

// PreviewLimit is the number of bytes of chat text kept in log previews
const PreviewLimit = 200

// Preview truncates s to at most max bytes on a rune boundary, marking the cut
func Preview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// PreviewForLog returns a copy of a client payload that is safe to log:
// passwords are replaced and chat text is truncated.
func PreviewForLog(payload []byte) string {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Preview(string(payload), PreviewLimit)
	}

	if _, ok := fields["password"]; ok {
		fields["password"] = "<REDACTED>"
	}
	if text, ok := fields["text"].(string); ok {
		fields["text"] = Preview(text, PreviewLimit)
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return Preview(string(payload), PreviewLimit)
	}
	return string(out)
}
