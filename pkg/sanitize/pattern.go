package sanitize

import (
	"log/slog"
	"regexp"
)

// Pattern is one scrubbing rule before compilation.
type Pattern struct {
	Name        string
	Pattern     string
	Replacement string
}

// CompiledPattern holds a pre-compiled rule.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns are the scrubbing rules applied to run log lines and
// metadata. Recording URLs carry signed query tokens and fiche payloads
// carry customer contact details, so both credential and PII rules ship
// built in.
var builtinPatterns = []Pattern{
	{
		Name:        "api_key",
		Pattern:     `(?i)(api[_-]?key|apikey|access[_-]?key)["'\s:=]+["']?([A-Za-z0-9_\-./+=]{8,})["']?`,
		Replacement: `$1=***MASKED_API_KEY***`,
	},
	{
		Name:        "bearer_token",
		Pattern:     `(?i)bearer\s+[A-Za-z0-9_\-.~+/]+=*`,
		Replacement: `Bearer ***MASKED_TOKEN***`,
	},
	{
		Name:        "password",
		Pattern:     `(?i)(password|passwd|pwd|cle)["'\s:=]+["']?([^\s"',;&]{4,})["']?`,
		Replacement: `$1=***MASKED_PASSWORD***`,
	},
	{
		Name:        "url_credentials",
		Pattern:     `(?i)([a-z][a-z0-9+\-.]*://)[^/\s:@]+:[^/\s:@]+@`,
		Replacement: `$1***MASKED_CREDENTIALS***@`,
	},
	{
		Name:        "signed_url_token",
		Pattern:     `(?i)([?&](?:token|signature|sig|expires_token|auth)=)[^\s&"']+`,
		Replacement: `$1***MASKED_TOKEN***`,
	},
	{
		Name:        "email_address",
		Pattern:     `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`,
		Replacement: `***MASKED_EMAIL***`,
	},
	{
		Name:        "phone_number",
		Pattern:     `(?:\+33|0033|0)[\s.\-]?[1-9](?:[\s.\-]?\d{2}){4}`,
		Replacement: `***MASKED_PHONE***`,
	},
}

// patternGroups name the rule sets selectable via configuration.
var patternGroups = map[string][]string{
	"security": {"api_key", "bearer_token", "password", "url_credentials", "signed_url_token"},
	"pii":      {"email_address", "phone_number"},
	"all":      {"api_key", "bearer_token", "password", "url_credentials", "signed_url_token", "email_address", "phone_number"},
}

// compilePatterns compiles the named patterns, skipping invalid ones.
func compilePatterns(names []string) []*CompiledPattern {
	byName := make(map[string]Pattern, len(builtinPatterns))
	for _, p := range builtinPatterns {
		byName[p.Name] = p
	}

	out := make([]*CompiledPattern, 0, len(names))
	for _, name := range names {
		p, ok := byName[name]
		if !ok {
			slog.Warn("Unknown sanitize pattern, skipping", "pattern", name)
			continue
		}
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Failed to compile sanitize pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		out = append(out, &CompiledPattern{
			Name:        p.Name,
			Regex:       compiled,
			Replacement: p.Replacement,
		})
	}
	return out
}
