// Package types defines the core data structures for the Gergy cross-domain
// intelligence engine: knowledge items, sessions, cache entries, pattern
// templates and occurrences, and budget records.
package types

import (
	"fmt"
	"strings"
)

// Domain is one of the life-management partitions a tool server belongs to.
// It is carried as data, never as a type switch, so new domains only need a
// budget ceiling in configuration.
type Domain string

// Domain constants for the five tool servers plus the internal system domain
// used for engine-generated knowledge (budget alerts, configuration notes).
const (
	DomainFinancial    Domain = "financial"
	DomainFamily       Domain = "family"
	DomainLifestyle    Domain = "lifestyle"
	DomainProfessional Domain = "professional"
	DomainHome         Domain = "home"

	// DomainSystem owns records the engine writes about itself.
	DomainSystem Domain = "system"
)

// UserDomains lists the tool-server domains in their canonical order.
var UserDomains = []Domain{
	DomainFinancial,
	DomainFamily,
	DomainLifestyle,
	DomainProfessional,
	DomainHome,
}

// String implements fmt.Stringer.
func (d Domain) String() string {
	return string(d)
}

// ParseDomain normalises s (trim + lower-case) and validates it as a domain
// identifier. Any non-empty identifier made of [a-z0-9_-] is accepted so that
// deployments can add domains through configuration alone.
func ParseDomain(s string) (Domain, error) {
	d := Domain(strings.ToLower(strings.TrimSpace(s)))
	if err := d.Validate(); err != nil {
		return "", err
	}
	return d, nil
}

// Validate checks that d is a syntactically valid domain identifier.
func (d Domain) Validate() error {
	if d == "" {
		return fmt.Errorf("domain is required")
	}
	for _, r := range string(d) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return fmt.Errorf("invalid domain %q: only [a-z0-9_-] allowed", string(d))
		}
	}
	return nil
}

// IsUserDomain reports whether d is one of the five built-in tool domains.
func (d Domain) IsUserDomain() bool {
	for _, u := range UserDomains {
		if d == u {
			return true
		}
	}
	return false
}

// DomainSet is an ordered, duplicate-free collection of domains. Order is
// insertion order, which keeps serialised output deterministic.
type DomainSet []Domain

// Add appends d when it is not already present and returns the set.
func (s DomainSet) Add(d Domain) DomainSet {
	if s.Contains(d) {
		return s
	}
	return append(s, d)
}

// Contains reports whether d is a member of s.
func (s DomainSet) Contains(d Domain) bool {
	for _, x := range s {
		if x == d {
			return true
		}
	}
	return false
}

// Union returns a new set holding the members of s followed by the members of
// other that s does not already contain.
func (s DomainSet) Union(other DomainSet) DomainSet {
	out := make(DomainSet, 0, len(s)+len(other))
	for _, d := range s {
		out = out.Add(d)
	}
	for _, d := range other {
		out = out.Add(d)
	}
	return out
}

// Without returns the members of s other than d.
func (s DomainSet) Without(d Domain) DomainSet {
	out := make(DomainSet, 0, len(s))
	for _, x := range s {
		if x != d {
			out = append(out, x)
		}
	}
	return out
}

// Strings converts the set to a plain string slice (used for JSON columns).
func (s DomainSet) Strings() []string {
	out := make([]string, len(s))
	for i, d := range s {
		out[i] = string(d)
	}
	return out
}

// DomainSetFromStrings builds a DomainSet from raw strings, dropping
// duplicates and empty values.
func DomainSetFromStrings(values []string) DomainSet {
	var s DomainSet
	for _, v := range values {
		if v == "" {
			continue
		}
		s = s.Add(Domain(v))
	}
	return s
}
