package settings

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"
)

var snowflakePattern = regexp.MustCompile(`^[0-9]{17,20}$`)

type Values map[string]any

func (v Values) String(key string) string {
	s, _ := v[key].(string)
	return s
}

func (v Values) Int(key string) int {
	n, _ := v[key].(int)
	return n
}

func (v Values) Bool(key string) bool {
	b, _ := v[key].(bool)
	return b
}

func (v Values) Strings(key string) []string {
	s, _ := v[key].([]string)
	return s
}

// normalize converts raw into the Go type stored for the field, or returns a
// message explaining why it cannot.
func (f Field) normalize(raw any) (any, string) {
	switch f.Type {
	case TypeString, TypeText:
		s, ok := raw.(string)
		if !ok {
			return nil, "must be a string"
		}
		if f.Type == TypeString {
			s = strings.TrimSpace(s)
			if strings.ContainsAny(s, "\r\n") {
				return nil, "must be a single line"
			}
		}
		n := utf8.RuneCountInString(s)
		if f.Min != nil && n < *f.Min {
			return nil, fmt.Sprintf("must be at least %d characters", *f.Min)
		}
		if f.Max != nil && n > *f.Max {
			return nil, fmt.Sprintf("must be at most %d characters", *f.Max)
		}
		return s, ""

	case TypeInt:
		n, ok := toInt(raw)
		if !ok {
			return nil, "must be a whole number"
		}
		if f.Min != nil && n < *f.Min {
			return nil, fmt.Sprintf("must be at least %d", *f.Min)
		}
		if f.Max != nil && n > *f.Max {
			return nil, fmt.Sprintf("must be at most %d", *f.Max)
		}
		return n, ""

	case TypeBool:
		switch b := raw.(type) {
		case bool:
			return b, ""
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return nil, "must be true or false"
			}
			return parsed, ""
		}
		return nil, "must be true or false"

	case TypeChannel, TypeRole:
		s, ok := snowflake(raw)
		if !ok {
			return nil, "must be a Discord ID"
		}
		return s, ""

	case TypeRoles:
		items, ok := toSlice(raw)
		if !ok {
			return nil, "must be a list of role IDs"
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := snowflake(item)
			if !ok {
				return nil, "must be a list of role IDs"
			}
			if slices.Contains(out, s) {
				return nil, fmt.Sprintf("lists role %s twice", s)
			}
			out = append(out, s)
		}
		if f.Min != nil && len(out) < *f.Min {
			return nil, fmt.Sprintf("needs at least %d roles", *f.Min)
		}
		if f.Max != nil && len(out) > *f.Max {
			return nil, fmt.Sprintf("allows at most %d roles", *f.Max)
		}
		return out, ""

	case TypeSelect:
		s, ok := raw.(string)
		if !ok {
			return nil, "must be one of the listed choices"
		}
		for _, c := range f.Choices {
			if c.Value == s {
				return s, ""
			}
		}
		return nil, "must be one of the listed choices"
	}
	return nil, fmt.Sprintf("has unsupported type %q", f.Type)
}

func toInt(raw any) (int, bool) {
	switch n := raw.(type) {
	case int:
		return n, true
	case int64:
		return int(n), fitsInt(n)
	case int32:
		return int(n), true
	case float64:
		if n != math.Trunc(n) || math.IsNaN(n) || n < math.MinInt || n >= math.MaxInt {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil && fitsInt(i)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

// fitsInt matters on 32-bit platforms.
func fitsInt(n int64) bool {
	return n >= math.MinInt && n <= math.MaxInt
}

func toSlice(raw any) ([]any, bool) {
	switch items := raw.(type) {
	case []any:
		return items, true
	case []string:
		out := make([]any, len(items))
		for i, s := range items {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func snowflake(raw any) (string, bool) {
	var s string
	switch v := raw.(type) {
	case string:
		s = strings.TrimSpace(v)
	case json.Number:
		s = v.String()
	default:
		return "", false
	}
	// accept mention syntax pasted from the Discord client
	s = strings.TrimPrefix(strings.TrimPrefix(s, "<#"), "<@&")
	s = strings.TrimSuffix(s, ">")
	return s, snowflakePattern.MatchString(s)
}

func sortStrings(s []string) []string {
	slices.Sort(s)
	return s
}
