package patterns

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/gergy/internal/textnorm"
	"github.com/scrypster/gergy/pkg/types"
)

// MonetaryTrigger is a synthetic trigger present when the raw text mentions a
// currency amount. Templates list it like any other keyword.
const MonetaryTrigger = "financial_amount"

// ErrInvalidTemplateCatalog is returned when a catalog fails validation.
// It is fatal at startup.
var ErrInvalidTemplateCatalog = errors.New("invalid pattern template catalog")

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

// Catalog is an immutable, validated, ordered list of templates.
type Catalog struct {
	templates []compiledTemplate
}

// compiledTemplate is a template with its triggers pre-normalised.
type compiledTemplate struct {
	types.PatternTemplate
	triggers []string // normalised, parallel to TriggerKeywords
}

type catalogFile struct {
	Templates []types.PatternTemplate `yaml:"templates"`
}

// LoadCatalog parses and validates a YAML catalog.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f catalogFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty catalog", ErrInvalidTemplateCatalog)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplateCatalog, err)
	}
	return NewCatalog(f.Templates)
}

// LoadCatalogFile loads a catalog from path.
func LoadCatalogFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplateCatalog, err)
	}
	defer f.Close()
	return LoadCatalog(f)
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := LoadCatalog(bytes.NewReader(defaultCatalogYAML))
	if err != nil {
		panic(fmt.Sprintf("patterns: embedded catalog is invalid: %v", err))
	}
	return c
}

// NewCatalog validates templates and compiles them in declaration order.
func NewCatalog(templates []types.PatternTemplate) (*Catalog, error) {
	if len(templates) == 0 {
		return nil, fmt.Errorf("%w: no templates", ErrInvalidTemplateCatalog)
	}

	var errs []error
	seen := make(map[string]bool, len(templates))
	compiled := make([]compiledTemplate, 0, len(templates))
	for i, t := range templates {
		if err := validateTemplate(t); err != nil {
			errs = append(errs, fmt.Errorf("template %d (%q): %w", i, t.Name, err))
			continue
		}
		if seen[t.Name] {
			errs = append(errs, fmt.Errorf("template %d: duplicate name %q", i, t.Name))
			continue
		}
		seen[t.Name] = true
		compiled = append(compiled, compile(t))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTemplateCatalog, errors.Join(errs...))
	}
	return &Catalog{templates: compiled}, nil
}

func validateTemplate(t types.PatternTemplate) error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("name is required")
	}
	if len(t.TriggerKeywords) == 0 {
		return errors.New("at least one trigger keyword is required")
	}
	for _, kw := range t.TriggerKeywords {
		if kw != MonetaryTrigger && textnorm.Normalize(kw) == "" {
			return fmt.Errorf("trigger %q is empty after normalisation", kw)
		}
	}
	if len(t.DomainsInvolved) == 0 {
		return errors.New("at least one involved domain is required")
	}
	for _, d := range t.DomainsInvolved {
		if err := d.Validate(); err != nil {
			return err
		}
	}
	if t.BaseConfidence <= 0 || t.BaseConfidence > 1 {
		return fmt.Errorf("base_confidence %v must be in (0, 1]", t.BaseConfidence)
	}
	for d, s := range t.Suggestions {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("suggestions: %w", err)
		}
		if s.Message == "" {
			return fmt.Errorf("suggestions[%s]: message is required", d)
		}
		if s.Confidence < 0 || s.Confidence > 1 {
			return fmt.Errorf("suggestions[%s]: confidence %v must be in [0, 1]", d, s.Confidence)
		}
	}
	return nil
}

func compile(t types.PatternTemplate) compiledTemplate {
	// duplicate triggers would count twice in the overlap
	var keywords, normalized []string
	seen := make(map[string]bool, len(t.TriggerKeywords))
	for _, kw := range t.TriggerKeywords {
		n := kw
		if kw != MonetaryTrigger {
			n = textnorm.Normalize(kw)
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		keywords = append(keywords, kw)
		normalized = append(normalized, n)
	}

	t.TriggerKeywords = keywords
	t.DomainsInvolved = types.DomainSet{}.Union(t.DomainsInvolved)
	return compiledTemplate{PatternTemplate: t, triggers: normalized}
}

// Len returns the number of templates.
func (c *Catalog) Len() int {
	return len(c.templates)
}

// Names returns template names in declaration order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.templates))
	for i, t := range c.templates {
		names[i] = t.Name
	}
	return names
}

// Templates returns the templates in declaration order.
func (c *Catalog) Templates() []types.PatternTemplate {
	out := make([]types.PatternTemplate, len(c.templates))
	for i, t := range c.templates {
		out[i] = t.PatternTemplate
	}
	return out
}
