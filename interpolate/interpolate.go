// Package interpolate implements two substitution systems: `{input:name}`
// variants used by directive authors, and `${namespace.path}` used by
// graph walkers and hooks.
package interpolate

import (
	"fmt"
	"regexp"
	"strings"
)

// inputPattern matches {input:name}, {input:name?}, {input:name:default},
// and {input:name|default}.
var inputPattern = regexp.MustCompile(`\{input:([A-Za-z0-9_]+)(\?|[:|]([^}]*))?\}`)

// Inputs substitutes every {input:...} placeholder in s using values. A
// placeholder with no matching key and no `?`/default marker is left
// untouched (callers should validate required inputs before calling this).
func Inputs(s string, values map[string]any) string {
	return inputPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := inputPattern.FindStringSubmatch(match)
		name := groups[1]
		modifier := groups[2]

		val, present := values[name]
		if present {
			return fmt.Sprintf("%v", val)
		}
		switch {
		case modifier == "?":
			return ""
		case strings.HasPrefix(modifier, ":"), strings.HasPrefix(modifier, "|"):
			return groups[3]
		default:
			return match
		}
	})
}

// namespacePattern matches ${namespace.dotted.path}.
var namespacePattern = regexp.MustCompile(`\$\{([A-Za-z0-9_.]+)\}`)

// Namespaces holds the four namespaces a ${...} path may resolve against.
type Namespaces struct {
	Inputs map[string]any
	State  map[string]any
	Result any
	Event  map[string]any
}

func (n Namespaces) resolve(path string) (any, bool) {
	segments := strings.Split(path, ".")
	if len(segments) == 0 {
		return nil, false
	}
	var root any
	switch segments[0] {
	case "inputs":
		root = n.Inputs
	case "state":
		root = n.State
	case "result":
		root = n.Result
	case "event":
		root = n.Event
	default:
		return nil, false
	}
	cur := root
	for _, seg := range segments[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// String substitutes every ${...} placeholder in s against ns, coercing
// every resolved value to its string representation. Use Value instead when
// s is a single whole-string placeholder and the original type should
// survive substitution.
func String(s string, ns Namespaces) string {
	return namespacePattern.ReplaceAllStringFunc(s, func(match string) string {
		path := match[2 : len(match)-1]
		val, ok := ns.resolve(path)
		if !ok {
			return match
		}
		return fmt.Sprintf("%v", val)
	})
}

// Value substitutes placeholders in s, preserving the resolved value's
// original type when s is composed of exactly one `${...}` placeholder with
// no surrounding text. Otherwise behaves like String and returns a string.
func Value(s string, ns Namespaces) any {
	if loc := wholeStringPlaceholder(s); loc != "" {
		if val, ok := ns.resolve(loc); ok {
			return val
		}
		return s
	}
	return String(s, ns)
}

// wholeStringPlaceholder returns the dotted path when s is exactly one
// ${...} placeholder and nothing else, or "" otherwise.
func wholeStringPlaceholder(s string) string {
	m := namespacePattern.FindStringSubmatchIndex(s)
	if m == nil || m[0] != 0 || m[1] != len(s) {
		return ""
	}
	return s[m[2]:m[3]]
}
