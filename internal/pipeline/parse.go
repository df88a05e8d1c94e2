package pipeline

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrUnparseable is returned when no JSON value can be recovered from a
// model response.
var ErrUnparseable = eris.New("pipeline: no JSON in response")

var (
	urlPattern   = regexp.MustCompile(`https?://[^\s"'<>()\[\]{},]+`)
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
)

// stripFences removes a surrounding markdown code fence.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 && !strings.ContainsAny(text[:nl], "{[") {
		text = text[nl+1:]
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

// extractJSON returns the first JSON object or array in text. A value cut
// off before its end is salvaged up to its last complete element and closed.
func extractJSON(text string) (string, error) {
	text = stripFences(text)
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", ErrUnparseable
	}

	type cut struct {
		end    int
		stack  []byte
		usable bool
	}
	var (
		stack    []byte
		inString bool
		escaped  bool
		last     cut
	)
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return salvage(text[start:], last.end-start, last.stack, last.usable)
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return text[start : i+1], nil
			}
			if cuttable(stack) {
				last = cut{end: i + 1, stack: append([]byte(nil), stack...), usable: true}
			}
		case ',':
			if cuttable(stack) {
				last = cut{end: i, stack: append([]byte(nil), stack...), usable: true}
			}
		}
	}
	return salvage(text[start:], last.end-start, last.stack, last.usable)
}

// cuttable reports whether a value may be cut at the current position: between
// array elements, or between fields of the outermost object. Partial objects
// inside arrays are dropped whole.
func cuttable(stack []byte) bool {
	return len(stack) == 1 || stack[len(stack)-1] == ']'
}

// salvage closes a truncated value at a safe cut point.
func salvage(text string, end int, open []byte, usable bool) (string, error) {
	if !usable || end <= 0 {
		return "", eris.Wrap(ErrUnparseable, "truncated before first element")
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(text[:end], " \t\r\n,"))
	for i := len(open) - 1; i >= 0; i-- {
		b.WriteByte(open[i])
	}
	return b.String(), nil
}

// decodeJSON extracts the first JSON value from a model response and
// decodes it into v. Unknown and missing fields are tolerated.
func decodeJSON(text string, v any) error {
	raw, err := extractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return eris.Wrap(ErrUnparseable, err.Error())
	}
	return nil
}

// firstURL returns the first http(s) URL in free text.
func firstURL(text string) string {
	return strings.TrimRight(urlPattern.FindString(text), ".;:")
}

// findEmails returns every email-shaped token in free text.
func findEmails(text string) []string {
	return emailPattern.FindAllString(text, -1)
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt(n)
	return nil
}

// flexStrings accepts a JSON array of strings or a single comma-separated
// string.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	var list []any
	if err := json.Unmarshal(data, &list); err == nil {
		out := make([]string, 0, len(list))
		for _, v := range list {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		*f = out
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*f = nil
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*f = out
	return nil
}

// String joins the values for display fields.
func (f flexStrings) String() string { return strings.Join(f, ", ") }

// nullString treats the literals models use for "nothing" as empty.
func nullString(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "null", "none", "n/a", "unknown", "not found", "-":
		return ""
	}
	return s
}
