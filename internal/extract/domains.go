package extract

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Domain is one entry of the organization's knowledge taxonomy.
type Domain struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Taxonomy is the fixed domain set classification chooses from.
type Taxonomy struct {
	Domains []Domain `yaml:"domains"`
}

// defaultTaxonomy is used when no domains.yaml is present.
var defaultTaxonomy = Taxonomy{Domains: []Domain{
	{Name: "pricing", Description: "prices, rates, fees, discounts, billing terms"},
	{Name: "services", Description: "service offerings, scope, availability, delivery"},
	{Name: "policies", Description: "internal policies, refunds, compliance, legal terms"},
	{Name: "operations", Description: "processes, schedules, logistics, escalation paths"},
	{Name: "contacts", Description: "people, roles, responsibilities, contact points"},
	{Name: "general", Description: "anything that fits no other domain"},
}}

// LoadTaxonomy reads the domain taxonomy from a YAML file. A missing file
// falls back to the built-in taxonomy; a malformed one is an error.
func LoadTaxonomy(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		zap.L().Info("extract: no taxonomy file, using built-in domains", zap.String("path", path))
		t := defaultTaxonomy
		return &t, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "extract: read taxonomy")
	}

	var t Taxonomy
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrap(err, "extract: parse taxonomy")
	}
	if len(t.Domains) == 0 {
		return nil, eris.Errorf("extract: taxonomy %s defines no domains", path)
	}
	return &t, nil
}

// Has reports whether name is a known domain.
func (t *Taxonomy) Has(name string) bool {
	for _, d := range t.Domains {
		if d.Name == name {
			return true
		}
	}
	return false
}

// Names returns the domain names in taxonomy order.
func (t *Taxonomy) Names() []string {
	names := make([]string, len(t.Domains))
	for i, d := range t.Domains {
		names[i] = d.Name
	}
	return names
}

// PromptList renders the taxonomy for inclusion in a classification prompt.
func (t *Taxonomy) PromptList() string {
	var sb strings.Builder
	for _, d := range t.Domains {
		sb.WriteString("- " + d.Name + ": " + d.Description + "\n")
	}
	return sb.String()
}
