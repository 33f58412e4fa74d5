package event

import (
	"encoding/json"
	"math"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// piiKeys is the fixed denylist, stored in normalized form (see normalizeKey).
var piiKeys = map[string]struct{}{}

func init() {
	for _, k := range []string{
		"email", "email_address", "e_mail",
		"phone", "phone_number", "mobile_number", "telephone",
		"name", "first_name", "last_name", "full_name", "given_name", "family_name", "surname", "username",
		"address", "street", "street_address", "postal_code", "zip", "zip_code",
		"ssn", "social_security_number", "national_id", "passport", "passport_number",
		"tax_id", "drivers_license", "driver_license", "government_id",
		"dob", "date_of_birth", "birthdate", "birthday",
		"ip", "ip_address",
		"credit_card", "card_number", "iban",
		"password",
	} {
		piiKeys[normalizeKey(k)] = struct{}{}
	}
}

// normalizeKey maps a property key to the form used for denylist lookups:
// NFKC, case-folded, with separators removed ("E-Mail" and "e_mail" both become "email").
func normalizeKey(k string) string {
	// A Caser carries state, so each call gets its own.
	k = cases.Fold().String(norm.NFKC.String(k))
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', '.', ' ', '\t':
			return -1
		}
		return r
	}, k)
}

// IsPII reports whether a property key is on the denylist.
func IsPII(key string) bool {
	_, ok := piiKeys[normalizeKey(key)]
	return ok
}

// MaxDepth is how many levels of nested maps and slices Sanitize keeps.
// Anything deeper, including self-referencing maps, is dropped.
const MaxDepth = 32

// Sanitize returns a copy of props with denylisted keys removed at every
// nesting level and values that cannot be encoded as JSON dropped. The input
// map is not modified. The second return value counts removed keys.
func Sanitize(props map[string]any) (map[string]any, int) {
	return sanitizeMap(props, 0)
}

func sanitizeMap(props map[string]any, depth int) (map[string]any, int) {
	out := make(map[string]any, len(props))
	removed := 0
	for k, v := range props {
		if IsPII(k) {
			removed++
			continue
		}
		clean, ok, n := sanitizeValue(v, depth+1)
		removed += n
		if !ok {
			removed++
			continue
		}
		out[k] = clean
	}
	return out, removed
}

func sanitizeValue(v any, depth int) (any, bool, int) {
	switch val := v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return val, true, 0
	case float32:
		return val, !math.IsNaN(float64(val)) && !math.IsInf(float64(val), 0), 0
	case float64:
		return val, !math.IsNaN(val) && !math.IsInf(val, 0), 0
	case map[string]any:
		if depth >= MaxDepth {
			return nil, false, 0
		}
		m, n := sanitizeMap(val, depth)
		return m, true, n
	case []any:
		if depth >= MaxDepth {
			return nil, false, 0
		}
		out := make([]any, 0, len(val))
		removed := 0
		for _, item := range val {
			clean, ok, n := sanitizeValue(item, depth+1)
			removed += n
			if !ok {
				removed++
				continue
			}
			out = append(out, clean)
		}
		return out, true, removed
	default:
		// Anything else (structs, typed maps, slices) is round-tripped through
		// JSON so that nested objects get the same denylist treatment.
		b, err := json.Marshal(val)
		if err != nil {
			return nil, false, 0
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return nil, false, 0
		}
		return sanitizeValue(generic, depth)
	}
}
