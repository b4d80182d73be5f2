package oidcx

import "time"

// Claims is a verified claim set. Raw holds every claim as decoded from the
// token payload; Payload keeps the payload bytes so consumers can recover
// document order.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	NotBefore time.Time
	IssuedAt  time.Time
	JWTID     string

	Raw     map[string]any
	Payload []byte
}

// String returns the claim name as a string when present with that type.
func (c *Claims) String(name string) (string, bool) {
	v, ok := c.Raw[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Strings returns the claim as a string slice when it is a JSON array.
// Non-string elements are skipped.
func (c *Claims) Strings(name string) ([]string, bool) {
	return stringSlice(c.Raw[name])
}

func stringSlice(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return append([]string(nil), v...), true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

func toMap(value any) map[string]any {
	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	return m
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
