// Package masking scrubs credentials from text headed for the job event
// log. Log lines routinely embed git command errors, HTTP responses, and
// build output, any of which can carry tokens; events are the user-visible
// surface, so masking happens before the store write.
package masking

// Masker applies the built-in secret patterns to event text. Created once
// at application startup. Thread-safe: patterns are compiled eagerly and
// never mutated afterwards.
type Masker struct {
	patterns []*CompiledPattern
}

// NewMasker compiles the built-in pattern set.
func NewMasker() *Masker {
	return &Masker{patterns: compileBuiltinPatterns()}
}

// Mask replaces every recognised secret in s with its marker. Text without
// secrets is returned unchanged.
func (m *Masker) Mask(s string) string {
	if s == "" {
		return s
	}
	for _, p := range m.patterns {
		s = p.Regex.ReplaceAllString(s, p.Replacement)
	}
	return s
}
