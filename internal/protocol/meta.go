package protocol

// Well-known meta keys.
const (
	MetaCost     = "cost"
	MetaRuntime  = "runtime"
	MetaTokens   = "tokens"
	MetaSecurity = "security"
	MetaTools    = "tools"
)

// Cost returns meta.cost as a float, or 0.
func (m *Message) Cost() float64 {
	f, _ := toFloat(m.Meta[MetaCost])
	return f
}

// Runtime returns meta.runtime (seconds) as a float, or 0.
func (m *Message) Runtime() float64 {
	f, _ := toFloat(m.Meta[MetaRuntime])
	return f
}

// Tokens returns meta.tokens as an int, or 0.
func (m *Message) Tokens() int {
	f, _ := toFloat(m.Meta[MetaTokens])
	return int(f)
}

// RequiresSandbox reports whether meta.security.sandbox is true.
func (m *Message) RequiresSandbox() bool {
	sec, ok := m.Meta[MetaSecurity].(map[string]any)
	if !ok {
		return false
	}
	b, _ := sec["sandbox"].(bool)
	return b
}

// ToolAllowlist returns meta.tools.allowlist, the tools a recipient must
// be able to serve.
func (m *Message) ToolAllowlist() []string {
	tools, ok := m.Meta[MetaTools].(map[string]any)
	if !ok {
		return nil
	}
	return toStrings(tools["allowlist"])
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// toStrings accepts both []string (built in Go) and []any (decoded JSON).
func toStrings(v any) []string {
	switch s := v.(type) {
	case []string:
		return append([]string{}, s...)
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
