package workspace

import (
	"strings"

	"golang.org/x/text/cases"
)

// FoldEmail normalizes an address for case-insensitive comparison.
func FoldEmail(email string) string {
	// a Caser is stateful, so each call gets its own
	return cases.Fold().String(strings.TrimSpace(email))
}

// fieldStrings flattens the values of Keeper custom fields. A field value is
// either a string or a list of strings.
func fieldStrings(fields []map[string]any) (values []string) {
	for _, field := range fields {
		var v any
		var ok bool
		if v, ok = field["value"]; ok {
			if v == nil {
				continue
			}
			switch vt := v.(type) {
			case []any:
				for _, v = range vt {
					var s string
					if s, ok = toString(v); ok && len(strings.TrimSpace(s)) > 0 {
						values = append(values, strings.TrimSpace(s))
					}
				}
			case string:
				if len(strings.TrimSpace(vt)) > 0 {
					values = append(values, strings.TrimSpace(vt))
				}
			}
		}
	}
	return
}

func toString(intf any) (result string, ok bool) {
	if intf == nil {
		return
	}
	result, ok = intf.(string)
	return
}

type Set[K comparable] map[K]struct{}

func NewSet[K comparable]() Set[K] {
	return make(Set[K])
}
func MakeSet[K comparable](keys []K) Set[K] {
	var ns = NewSet[K]()
	for _, k := range keys {
		ns.Add(k)
	}
	return ns
}
func (s Set[K]) Has(key K) (ok bool) {
	_, ok = s[key]
	return
}
func (s Set[K]) Add(key K) {
	s[key] = struct{}{}
}
