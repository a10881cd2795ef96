package egress

import (
	"os"
	"strings"
)

// sensitivePrefixes and sensitiveSuffixes/sensitiveExact gate which
// environment variables ${env.VAR} template substitution may read:
// secrets never flow into a configured header/body
// override through this path, only through the provider's own APIKeyEnv.
var (
	sensitivePrefixes = []string{"AWS_", "GITHUB_", "ANTHROPIC_", "OPENAI_"}
	sensitiveSuffixes = []string{"_KEY", "_SECRET", "_TOKEN", "_PASSWORD", "_CREDENTIAL"}
	sensitiveExact    = map[string]bool{"SECRET": true, "PASSWORD": true, "API_KEY": true}
)

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	if sensitiveExact[upper] {
		return true
	}
	for _, p := range sensitivePrefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	for _, s := range sensitiveSuffixes {
		if strings.HasSuffix(upper, s) {
			return true
		}
	}
	return false
}

// TemplateVars carries the per-request values substitutable into a
// configured header or body override string.
type TemplateVars struct {
	RequestID string
	Provider  string
	Model     string
	SessionID string
	ClientIP  string
}

// renderTemplate replaces ${request_id}, ${provider}, ${model},
// ${session_id}, ${client_ip} and ${env.VAR} (VAR subject to the sensitive
// filter above) in s. Unknown ${env.VAR} names are left literal.
func renderTemplate(s string, vars TemplateVars) string {
	if !strings.Contains(s, "${") {
		return s
	}

	s = strings.NewReplacer(
		"${request_id}", vars.RequestID,
		"${provider}", vars.Provider,
		"${model}", vars.Model,
		"${session_id}", vars.SessionID,
		"${client_ip}", vars.ClientIP,
	).Replace(s)

	return replaceEnvVars(s)
}

// replaceEnvVars substitutes ${env.VAR} occurrences, leaving the sensitive
// or unset ones untouched.
func replaceEnvVars(s string) string {
	const prefix = "${env."
	var b strings.Builder
	for {
		start := strings.Index(s, prefix)
		if start == -1 {
			b.WriteString(s)
			break
		}
		end := strings.IndexByte(s[start:], '}')
		if end == -1 {
			b.WriteString(s)
			break
		}
		end += start

		b.WriteString(s[:start])
		name := s[start+len(prefix) : end]
		if isSensitiveEnvVar(name) {
			b.WriteString(s[start : end+1])
		} else if value, ok := os.LookupEnv(name); ok {
			b.WriteString(value)
		} else {
			b.WriteString(s[start : end+1])
		}
		s = s[end+1:]
	}
	return b.String()
}
