// redaction.go — scrubs secrets from Bridge Client payloads before they
// leave the process (spec.md §4.7). Adapted from the teacher's
// internal/redaction/redaction.go RedactionEngine (RE2 pattern table,
// NewRedactionEngine/Redact), generalized from MCP tool-response text to
// the bridge's content+metadata shape, and extended with the extra patterns
// spec.md names (glpat-, SECRET/TOKEN/PASSWORD/API_KEY-keyed assignments,
// sensitive path substrings) and a recursive structured-metadata walker
// with cycle detection.
package redaction

import (
	"encoding/json"
	"os"
	"reflect"
	"regexp"
	"strings"
)

// Pattern represents a single redaction rule.
type Pattern struct {
	Name        string `json:"name"`
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement,omitempty"`
}

// Config represents the JSON configuration file structure for custom
// patterns layered on top of the built-ins.
type Config struct {
	Patterns []Pattern `json:"patterns"`
}

type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
	validate    func(match string) bool
}

// Engine applies a set of compiled patterns to text and structured
// metadata. Safe for concurrent use after construction.
type Engine struct {
	patterns []compiledPattern
}

var builtinPatterns = []struct {
	name     string
	pattern  string
	validate func(string) bool
}{
	{name: "aws-key", pattern: `AKIA[0-9A-Z]{16}`},
	{name: "bearer-token", pattern: `Bearer [A-Za-z0-9\-._~+/]+=*`},
	{name: "basic-auth", pattern: `Basic [A-Za-z0-9+/]+=*`},
	{name: "jwt", pattern: `eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]+`},
	{name: "github-pat", pattern: `(ghp_[A-Za-z0-9]{36,}|github_pat_[A-Za-z0-9_]{36,})`},
	{name: "gitlab-pat", pattern: `glpat-[A-Za-z0-9_-]{20,}`},
	{name: "openai-key", pattern: `sk-[A-Za-z0-9]{20,}`},
	{name: "private-key", pattern: `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`},
	{name: "credit-card", pattern: `\b([0-9]{4}[- ]?[0-9]{4}[- ]?[0-9]{4}[- ]?[0-9]{4})\b`, validate: luhnValidateMatch},
	{name: "ssn", pattern: `\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`},
	{name: "api-key", pattern: `(?i)(api[_-]?key|apikey|secret[_-]?key)\s*[:=]\s*\S+`},
	{name: "session-cookie", pattern: `(?i)(session|sid|token)\s*=\s*[A-Za-z0-9+/=_-]{16,}`},
	// spec.md §4.7: "environment assignments whose key matches
	// SECRET/TOKEN/PASSWORD/API_KEY/..."
	{name: "secret-env-assignment", pattern: `(?i)\b([A-Z0-9_]*(SECRET|TOKEN|PASSWORD|API_KEY)[A-Z0-9_]*)\s*=\s*\S+`},
	// spec.md §4.7: paths matching .env, id_rsa, credentials, token, secret.
	{name: "sensitive-path", pattern: `(?i)(/|\\)?[\w.-]*(\.env|id_rsa|credentials|token|secret)[\w.-]*`},
}

// NewEngine creates an Engine with built-in patterns and optional custom
// patterns loaded from configPath. If configPath is empty or unreadable,
// only built-ins are used.
func NewEngine(configPath string) *Engine {
	e := &Engine{}
	for _, bp := range builtinPatterns {
		re, err := regexp.Compile(bp.pattern)
		if err != nil {
			continue // should never happen for built-ins, but be safe
		}
		e.patterns = append(e.patterns, compiledPattern{
			name:        bp.name,
			regex:       re,
			replacement: "[REDACTED:" + bp.name + "]",
			validate:    bp.validate,
		})
	}
	if configPath != "" {
		e.loadConfig(configPath)
	}
	return e
}

func (e *Engine) loadConfig(path string) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is from trusted config location
	if err != nil {
		return
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return
	}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			continue
		}
		replacement := p.Replacement
		if replacement == "" {
			replacement = "[REDACTED:" + p.Name + "]"
		}
		e.patterns = append(e.patterns, compiledPattern{name: p.Name, regex: re, replacement: replacement})
	}
}

// Redact applies all patterns to input and returns the redacted result.
func (e *Engine) Redact(input string) string {
	if input == "" {
		return ""
	}
	result := input
	for _, p := range e.patterns {
		if p.validate != nil {
			result = p.regex.ReplaceAllStringFunc(result, func(match string) string {
				if p.validate(match) {
					return p.replacement
				}
				return match
			})
		} else {
			result = p.regex.ReplaceAllString(result, p.replacement)
		}
	}
	return result
}

// RedactStructured walks v recursively (maps, slices, strings — the shapes
// a decoded metadata json.RawMessage can take) and redacts every string
// leaf. visited tracks the pointer identity of maps/slices already
// descended into, so a caller-built structure with a shared-reference cycle
// degrades to leaving the repeated node untouched instead of recursing
// forever (json.Unmarshal output is always a tree and never needs this, but
// the bridge also accepts programmatically-built metadata).
func (e *Engine) RedactStructured(v any) any {
	return e.redactValue(v, make(map[uintptr]bool))
}

func (e *Engine) redactValue(v any, visited map[uintptr]bool) any {
	switch t := v.(type) {
	case string:
		return e.Redact(t)
	case map[string]any:
		ptr := reflect.ValueOf(t).Pointer()
		if visited[ptr] {
			return t
		}
		visited[ptr] = true
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = e.redactValue(val, visited)
		}
		return out
	case []any:
		if len(t) > 0 {
			ptr := reflect.ValueOf(t).Pointer()
			if visited[ptr] {
				return t
			}
			visited[ptr] = true
		}
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = e.redactValue(val, visited)
		}
		return out
	default:
		return v
	}
}

// RedactMetadataJSON redacts every string value found in a raw JSON
// metadata object and re-serializes it. Malformed JSON falls back to
// string-level redaction of the raw bytes.
func (e *Engine) RedactMetadataJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return json.RawMessage(e.Redact(string(raw)))
	}
	redacted := e.RedactStructured(decoded)
	out, err := json.Marshal(redacted)
	if err != nil {
		return json.RawMessage(e.Redact(string(raw)))
	}
	return out
}

func luhnValid(number string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		n := int(digits[i] - '0')
		if alt {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		alt = !alt
	}
	return sum%10 == 0
}

func luhnValidateMatch(match string) bool {
	return luhnValid(match)
}
