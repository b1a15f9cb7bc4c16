// parse.go — tolerant decoding for the venue's loosely-typed JSON.
//
// Gamma and the WebSocket feed are inconsistent about numeric encoding: the
// same field may arrive as a JSON number, a quoted numeric string, an empty
// string, null, or be absent entirely. Array fields (outcome prices, CLOB
// token ids) usually arrive double-encoded as a JSON string containing a
// JSON array. Everything here maps malformed or missing input to nil (or a
// false second return), never to zero — downstream snapshot assembly relies
// on nil meaning "the venue did not report a value".
package venue

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// FloatPtr parses a numeric field that may be a JSON number, a quoted
// numeric string, null, or absent. Returns nil for anything unparsable.
func FloatPtr(raw json.RawMessage) *float64 {
	if len(raw) == 0 {
		return nil
	}
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil
	}
	// Quoted string form: "0.52"
	if s[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil
		}
		s = strings.TrimSpace(inner)
		if s == "" {
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// FloatFromString parses a plain string numeric ("0.52"). The WebSocket
// feed encodes every price and size this way.
func FloatFromString(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// StringList parses an array field that may arrive as a real JSON array
// (["a","b"]) or double-encoded as a string ("[\"a\",\"b\"]"). Elements may
// themselves be strings or numbers. Returns nil when nothing parses.
func StringList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	data := raw
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil
	}
	if s[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil
		}
		inner = strings.TrimSpace(inner)
		if inner == "" {
			return nil
		}
		data = []byte(inner)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		var str string
		if err := json.Unmarshal(it, &str); err == nil {
			out = append(out, str)
			continue
		}
		out = append(out, strings.TrimSpace(string(it)))
	}
	return out
}

// TimeRFC3339 parses an RFC3339 timestamp, returning the zero time when
// absent or unparsable.
func TimeRFC3339(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// TimeEpoch parses an epoch timestamp string. The feed sends milliseconds;
// a handful of REST fields send seconds. Values above 1e11 are treated as
// milliseconds.
func TimeEpoch(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Some payloads quote a float ("1.7e12"); retry as float.
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return time.Time{}, false
		}
		v = int64(f)
	}
	if v <= 0 {
		return time.Time{}, false
	}
	if v > 1e11 {
		return time.UnixMilli(v), true
	}
	return time.Unix(v, 0), true
}
