package types

import (
	"slices"
	"strings"
	"time"
)

// KnowledgeItem is a durable piece of domain knowledge written by a tool
// invocation. Title and content are immutable once stored; only Metadata and
// Keywords may be amended. Items are never hard-deleted.
type KnowledgeItem struct {
	ID       string                 `json:"id"`
	Domain   Domain                 `json:"domain"`
	Title    string                 `json:"title"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"` // flexible-schema fields
	Keywords []string               `json:"keywords,omitempty"` // set semantics, see NormalizeKeywords

	// Usage signals maintained by the store.
	UsageFrequency int        `json:"usage_frequency"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NormalizeKeywords lower-cases, trims and de-duplicates keywords, returning
// them sorted so that the stored representation is canonical.
func NormalizeKeywords(keywords []string) []string {
	if len(keywords) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// ItemAmendment describes the only mutations allowed on a stored item.
// Nil fields are left untouched; Metadata keys are merged (not replaced) and
// Keywords are unioned with the existing set.
type ItemAmendment struct {
	Metadata map[string]interface{}
	Keywords []string
}

// IsEmpty reports whether the amendment would change nothing.
func (a ItemAmendment) IsEmpty() bool {
	return len(a.Metadata) == 0 && len(a.Keywords) == 0
}
