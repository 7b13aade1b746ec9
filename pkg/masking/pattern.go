package masking

import (
	"log/slog"
	"regexp"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// patternSpec is the source form of a built-in pattern.
type patternSpec struct {
	name        string
	pattern     string
	replacement string
	description string
}

// builtinSpecs lists the secrets that must never reach the event log.
// Order matters: more specific patterns run before generic ones so the
// replacement marker names the real secret type.
var builtinSpecs = []patternSpec{
	{
		name:        "github_token",
		pattern:     `\bgh[pousr]_[A-Za-z0-9]{20,255}\b`,
		replacement: "[MASKED_GITHUB_TOKEN]",
		description: "GitHub classic and app tokens (ghp_, gho_, ghu_, ghs_, ghr_)",
	},
	{
		name:        "github_fine_grained_token",
		pattern:     `\bgithub_pat_[A-Za-z0-9_]{20,255}\b`,
		replacement: "[MASKED_GITHUB_TOKEN]",
		description: "GitHub fine-grained personal access tokens",
	},
	{
		name:        "anthropic_api_key",
		pattern:     `\bsk-ant-[A-Za-z0-9_-]{16,}\b`,
		replacement: "[MASKED_API_KEY]",
		description: "Anthropic API keys",
	},
	{
		name:        "openai_api_key",
		pattern:     `\bsk-[A-Za-z0-9_-]{20,}\b`,
		replacement: "[MASKED_API_KEY]",
		description: "OpenAI API keys",
	},
	{
		name:        "url_credentials",
		pattern:     `([a-z][a-z0-9+.-]*://)[^/\s:@]+:[^/\s@]+@`,
		replacement: "${1}[MASKED_CREDENTIALS]@",
		description: "userinfo in URLs, e.g. x-access-token:<token>@ push remotes",
	},
	{
		name:        "authorization_header",
		pattern:     `(?i)\b(authorization:\s*(?:bearer|basic|token)\s+)[^\s"']+`,
		replacement: "${1}[MASKED_TOKEN]",
		description: "Authorization header values echoed in HTTP errors",
	},
	{
		name:        "api_key_header",
		pattern:     `(?i)\b(x-api-key:\s*)[^\s"']+`,
		replacement: "${1}[MASKED_TOKEN]",
		description: "x-api-key header values echoed in HTTP errors",
	},
	{
		name:        "key_value_secret",
		pattern:     `(?i)\b((?:api[_-]?key|access[_-]?token|auth[_-]?token|secret|password|passwd)\s*[=:]\s*)["']?[A-Za-z0-9+/_.~-]{8,}["']?`,
		replacement: "${1}[MASKED_SECRET]",
		description: "key=value style secret assignments in command output",
	},
	{
		name:        "private_key_block",
		pattern:     `(?s)-----BEGIN [A-Z0-9 ]*PRIVATE KEY-----.*?-----END [A-Z0-9 ]*PRIVATE KEY-----`,
		replacement: "[MASKED_PRIVATE_KEY]",
		description: "PEM private key blocks",
	},
}

// compileBuiltinPatterns compiles the built-in pattern set, preserving
// order. Invalid patterns are logged and skipped.
func compileBuiltinPatterns() []*CompiledPattern {
	out := make([]*CompiledPattern, 0, len(builtinSpecs))
	for _, spec := range builtinSpecs {
		compiled, err := regexp.Compile(spec.pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", spec.name, "error", err)
			continue
		}
		out = append(out, &CompiledPattern{
			Name:        spec.name,
			Regex:       compiled,
			Replacement: spec.replacement,
			Description: spec.description,
		})
	}
	return out
}
