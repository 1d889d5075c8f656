// Package mask redacts sensitive values from free-form log payloads before
// they are archived. Masking is irreversible.
package mask

import (
	"fmt"
	"regexp"
	"strings"

	"logarchive/internal/config"
)

var (
	emailPattern      = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	ipPattern         = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	connStringPattern = regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9+.\-]*://[^\s"']+`)
)

// Masker replaces configured sensitive field values and pattern matches.
type Masker struct {
	fields       map[string]struct{}
	exempt       map[string]struct{}
	maskChar     string
	preserveLast int
	patterns     []*regexp.Regexp
}

// New compiles a masker from configuration. Custom patterns that do not
// compile are rejected up front, before any batch runs.
func New(cfg config.Config) (*Masker, error) {
	m := &Masker{
		fields:       make(map[string]struct{}, len(cfg.MaskedFields)),
		exempt:       make(map[string]struct{}, len(cfg.ExemptFields)),
		maskChar:     cfg.MaskChar,
		preserveLast: cfg.MaskPreserveLast,
	}
	if m.maskChar == "" {
		m.maskChar = "*"
	}
	for _, f := range cfg.MaskedFields {
		m.fields[strings.ToLower(f)] = struct{}{}
	}
	for _, f := range cfg.ExemptFields {
		m.exempt[strings.ToLower(f)] = struct{}{}
	}
	if cfg.MaskEmails {
		m.patterns = append(m.patterns, emailPattern)
	}
	if cfg.MaskIPs {
		m.patterns = append(m.patterns, ipPattern)
	}
	if cfg.MaskConnStrings {
		m.patterns = append(m.patterns, connStringPattern)
	}
	for _, p := range cfg.MaskPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile mask pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// Mask returns a masked copy of the payload. Nested maps and slices are
// walked recursively; the input is never mutated.
func (m *Masker) Mask(payload map[string]any) map[string]any {
	masked := m.walkMap(payload)
	out, _ := masked.(map[string]any)
	return out
}

func (m *Masker) walkMap(in map[string]any) any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		key := strings.ToLower(k)
		if _, skip := m.exempt[key]; skip {
			out[k] = v
			continue
		}
		if _, hit := m.fields[key]; hit {
			out[k] = m.maskValue(v)
			continue
		}
		out[k] = m.walk(v)
	}
	return out
}

func (m *Masker) walk(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return m.walkMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = m.walk(e)
		}
		return out
	case string:
		return m.applyPatterns(t)
	default:
		return v
	}
}

// maskValue redacts a matched sensitive value entirely, optionally keeping
// the last preserveLast characters of strings. A value no longer than the
// preserve count is masked whole; preservation must never return the
// original verbatim.
func (m *Masker) maskValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return strings.Repeat(m.maskChar, 4)
	}
	keep := m.preserveLast
	if keep >= len(s) {
		keep = 0
	}
	hidden := len(s) - keep
	if hidden < 4 {
		hidden = 4
	}
	return strings.Repeat(m.maskChar, hidden) + s[len(s)-keep:]
}

func (m *Masker) applyPatterns(s string) string {
	for _, re := range m.patterns {
		s = re.ReplaceAllStringFunc(s, func(match string) string {
			return strings.Repeat(m.maskChar, len(match))
		})
	}
	return s
}
