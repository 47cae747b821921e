package types

import "time"

// PatternTemplate is a static, declaratively configured cross-domain pattern.
// Templates are read-only after the catalog is loaded.
type PatternTemplate struct {
	Name            string    `json:"name" yaml:"name"`
	TriggerKeywords []string  `json:"trigger_keywords" yaml:"trigger_keywords"`
	DomainsInvolved DomainSet `json:"domains_involved" yaml:"domains_involved"`
	BaseConfidence  float64   `json:"base_confidence" yaml:"base_confidence"`

	// Suggestions maps a requesting domain to advice surfaced when the
	// pattern matches from that domain. Optional.
	Suggestions map[Domain]SuggestionTemplate `json:"suggestions,omitempty" yaml:"suggestions,omitempty"`
}

// SuggestionTemplate is the configured advice for one requesting domain.
type SuggestionTemplate struct {
	Type           string    `json:"type" yaml:"type"`
	Message        string    `json:"message" yaml:"message"`
	RelatedDomains DomainSet `json:"related_domains,omitempty" yaml:"related_domains,omitempty"`
	Confidence     float64   `json:"confidence,omitempty" yaml:"confidence,omitempty"`
}

// PatternOccurrence is an append-only audit record of a template matching a
// piece of session text.
type PatternOccurrence struct {
	ID              string    `json:"id"`
	TemplateName    string    `json:"template_name"`
	SessionID       string    `json:"session_id"`
	Domain          Domain    `json:"domain"` // requesting domain
	MatchedDomains  DomainSet `json:"matched_domains"`
	CrossDomain     DomainSet `json:"cross_domain,omitempty"` // involved domains other than Domain
	MatchedTriggers []string  `json:"matched_triggers"`
	Confidence      float64   `json:"confidence"`
	DetectedAt      time.Time `json:"detected_at"`
}

// Suggestion is a cross-domain hint returned to the calling tool server.
type Suggestion struct {
	Pattern        string    `json:"pattern"`
	Type           string    `json:"type"`
	Message        string    `json:"message,omitempty"`
	RelatedDomains DomainSet `json:"related_domains"`
	Confidence     float64   `json:"confidence"`
}
