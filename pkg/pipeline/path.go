package pipeline

import (
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// pathSegment is one step of a parsed path: a map key or an array index.
type pathSegment struct {
	key   string
	index int
	isIdx bool
}

// ResolvePath reads a value out of data using a dotted path with optional
// array indexes, e.g. "article.sections[0].title" or "grid[1][2]".
// It reports false when any segment is missing.
//
// map[string]any and []any are walked directly, so the value comes back as
// stored. Any other container (a struct, a typed map or slice) is encoded
// on its own and the rest of the path is read from the JSON with gjson.
func ResolvePath(data map[string]any, path string) (any, bool) {
	segs, ok := parsePath(strings.TrimSpace(path))
	if !ok {
		return nil, false
	}
	var cur any = data
	for i, seg := range segs {
		switch v := cur.(type) {
		case map[string]any:
			if seg.isIdx {
				return nil, false
			}
			next, ok := v[seg.key]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			if !seg.isIdx || seg.index >= len(v) {
				return nil, false
			}
			cur = v[seg.index]
		case nil:
			return nil, false
		default:
			return resolveEncoded(v, segs[i:])
		}
	}
	return cur, true
}

func resolveEncoded(v any, segs []pathSegment) (any, bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	parts := make([]string, len(segs))
	for i, seg := range segs {
		if seg.isIdx {
			parts[i] = strconv.Itoa(seg.index)
		} else {
			parts[i] = escapeGJSON(seg.key)
		}
	}
	res := gjson.GetBytes(raw, strings.Join(parts, "."))
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// parsePath splits "a.b[0][1]" into key and index segments.
func parsePath(path string) ([]pathSegment, bool) {
	if path == "" {
		return nil, false
	}
	var segs []pathSegment
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, false
		}
		name, rest := part, ""
		if i := strings.IndexByte(part, '['); i >= 0 {
			name, rest = part[:i], part[i:]
		}
		if name != "" {
			segs = append(segs, pathSegment{key: name})
		}
		for rest != "" {
			if rest[0] != '[' {
				return nil, false
			}
			end := strings.IndexByte(rest, ']')
			if end < 2 {
				return nil, false
			}
			n, err := strconv.Atoi(rest[1:end])
			if err != nil || n < 0 || strings.ContainsAny(rest[1:end], "+-") {
				return nil, false
			}
			segs = append(segs, pathSegment{index: n, isIdx: true})
			rest = rest[end+1:]
		}
	}
	return segs, len(segs) > 0
}

func escapeGJSON(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%', ':', '(', ')', ',', '{', '}', '[', ']':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
