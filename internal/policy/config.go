package policy

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/wardenhq/warden/control-plane/internal/config"
)

// DefaultIntegrationSkills is the curated set allowed against test fixtures
// when WARDEN_INTEGRATION_ALLOWED_SKILLS is unset.
var DefaultIntegrationSkills = []string{
	"diag-inspect-container",
	"diag-container-logs",
	"rem-restart-container",
	"rem-start-container",
	"rem-stop-container",
	"rem-prune-images",
}

// Config is the immutable allow/deny configuration for all modes. Build it
// once with LoadConfig and replace it wholesale on refresh.
type Config struct {
	Integration IntegrationConfig
	Lab         LabConfig
}

type IntegrationConfig struct {
	AllowedContainers Allowlist
	AllowedSkills     []string
	AllowPrune        bool
}

type LabConfig struct {
	AllowedNodes      Allowlist
	AllowedVMs        Allowlist
	AllowedContainers Allowlist
	// AllowedSkills restricts non-read-only skills when non-empty.
	AllowedSkills []string
	DangerousOps  bool
	ReadOnly      bool
}

// LoadConfig reads the policy keys through getenv (os.Getenv in production).
func LoadConfig(getenv func(string) string) Config {
	intSkills := splitList(getenv("WARDEN_INTEGRATION_ALLOWED_SKILLS"))
	if len(intSkills) == 0 {
		intSkills = append([]string(nil), DefaultIntegrationSkills...)
	}
	return Config{
		Integration: IntegrationConfig{
			AllowedContainers: ParseAllowlist(getenv("WARDEN_INTEGRATION_ALLOWED_CONTAINERS")),
			AllowedSkills:     intSkills,
			AllowPrune:        config.Truthy(getenv("WARDEN_INTEGRATION_ALLOW_PRUNE")),
		},
		Lab: LabConfig{
			AllowedNodes:      ParseAllowlist(getenv("WARDEN_LAB_ALLOWED_NODES")),
			AllowedVMs:        ParseAllowlist(getenv("WARDEN_LAB_ALLOWED_VMS")),
			AllowedContainers: ParseAllowlist(getenv("WARDEN_LAB_ALLOWED_CONTAINERS")),
			AllowedSkills:     splitList(getenv("WARDEN_LAB_ALLOWED_SKILLS")),
			DangerousOps:      config.Truthy(getenv("WARDEN_LAB_DANGEROUS_OPS")),
			ReadOnly:          config.Truthy(getenv("WARDEN_LAB_READ_ONLY")),
		},
	}
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ── Allowlist ───────────────────────────────────────────────

// Allowlist holds exact identifiers and regex patterns. Regex entries are
// always anchored at both ends, so "prod" never matches "production-x".
// A dot alone does not make an entry a pattern: "web.lab" is an exact
// hostname. Within a pattern such as "web.lab-[0-9]+" the dot is a regex
// wildcard; escape it as "web\.lab-[0-9]+" to match it literally.
type Allowlist struct {
	entries []allowEntry
}

type allowEntry struct {
	raw   string
	exact string
	re    *regexp.Regexp
}

// regexMeta marks an entry as a pattern rather than an exact identifier.
// '.' is left out so dotted hostnames stay exact.
const regexMeta = `\+*?()|[]{}^$`

// ParseAllowlist parses a comma-separated list of exact ids or patterns.
func ParseAllowlist(raw string) Allowlist {
	return NewAllowlist(splitList(raw)...)
}

// NewAllowlist builds an Allowlist from individual entries.
func NewAllowlist(entries ...string) Allowlist {
	var a Allowlist
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.ContainsAny(e, regexMeta) {
			a.entries = append(a.entries, allowEntry{raw: e, exact: e})
			continue
		}
		re, err := regexp.Compile(anchor(e))
		if err != nil {
			log.Warn().Err(err).Str("pattern", e).Msg("Invalid allowlist pattern, treating as exact match")
			a.entries = append(a.entries, allowEntry{raw: e, exact: e})
			continue
		}
		a.entries = append(a.entries, allowEntry{raw: e, re: re})
	}
	return a
}

func anchor(pattern string) string {
	core := strings.TrimSuffix(strings.TrimPrefix(pattern, "^"), "$")
	return "^(?:" + core + ")$"
}

// Empty reports whether the list has no entries; an empty list allows nothing.
func (a Allowlist) Empty() bool { return len(a.entries) == 0 }

// Len returns the number of entries.
func (a Allowlist) Len() int { return len(a.entries) }

// Match returns the entry that admitted id, if any.
func (a Allowlist) Match(id string) (string, bool) {
	for _, e := range a.entries {
		if e.re != nil {
			if e.re.MatchString(id) {
				return e.raw, true
			}
			continue
		}
		if e.exact == id {
			return e.raw, true
		}
	}
	return "", false
}

// Entries returns the raw entries in configured order.
func (a Allowlist) Entries() []string {
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.raw)
	}
	return out
}
