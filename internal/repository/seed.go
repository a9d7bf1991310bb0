package repository

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

//go:embed seed.schema.json
var seedSchemaJSON string

//go:embed fixtures/seed.yaml
var fixtureSeed []byte

// SeedFormat is the encoding of a seed file.
type SeedFormat string

const (
	SeedYAML SeedFormat = "yaml"
	SeedTOML SeedFormat = "toml"
)

// Seed is a complete SLA configuration snapshot as written in a seed file.
type Seed struct {
	Tiers      []models.SLATier        `yaml:"tiers" toml:"tiers"`
	Targets    []models.SLATarget      `yaml:"targets" toml:"targets"`
	Exclusions []models.SLAExclusion   `yaml:"exclusions" toml:"exclusions"`
	Milestones []models.SLAMilestone   `yaml:"milestones" toml:"milestones"`
	Rules      []models.EscalationRule `yaml:"rules" toml:"rules"`
}

// FormatForPath picks the seed format from a file extension.
func FormatForPath(path string) (SeedFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return SeedYAML, nil
	case ".toml":
		return SeedTOML, nil
	}
	return "", slaerrors.Configurationf("seed.load", "unsupported seed file %s", path)
}

// LoadSeed reads, validates and decodes a seed file.
func LoadSeed(path string) (*Seed, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	return ParseSeed(data, format)
}

// FixtureSeed returns the built-in demo configuration.
func FixtureSeed() (*Seed, error) {
	return ParseSeed(fixtureSeed, SeedYAML)
}

// ParseSeed validates data against the seed schema and decodes it.
func ParseSeed(data []byte, format SeedFormat) (*Seed, error) {
	var doc map[string]interface{}
	var err error
	switch format {
	case SeedYAML:
		err = yaml.Unmarshal(data, &doc)
	case SeedTOML:
		err = toml.Unmarshal(data, &doc)
	default:
		return nil, slaerrors.Configurationf("seed.parse", "unknown seed format %q", format)
	}
	if err != nil {
		return nil, slaerrors.Configuration("seed.parse", err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	if err := ValidateSeed(doc); err != nil {
		return nil, err
	}

	var seed Seed
	if format == SeedYAML {
		err = yaml.Unmarshal(data, &seed)
	} else {
		err = toml.Unmarshal(data, &seed)
	}
	if err != nil {
		return nil, slaerrors.Configuration("seed.parse", err)
	}
	if err := seed.Check(); err != nil {
		return nil, err
	}
	return &seed, nil
}

// ValidateSeed checks a decoded seed document against the JSON schema.
func ValidateSeed(doc interface{}) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(seedSchemaJSON),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return slaerrors.Configuration("seed.validate", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return slaerrors.Configurationf("seed.validate", "seed does not match schema: %s", strings.Join(msgs, "; "))
}

// Check applies the store validators to every entity and requires an active
// tier to define a target for every priority.
func (s *Seed) Check() error {
	tiers := make(map[string]bool, len(s.Tiers))
	for i := range s.Tiers {
		if err := ValidateTier(&s.Tiers[i]); err != nil {
			return err
		}
		tiers[s.Tiers[i].ID] = s.Tiers[i].IsActive
	}

	have := make(map[string]map[models.Priority]bool)
	for i := range s.Targets {
		t := &s.Targets[i]
		if err := t.Validate(); err != nil {
			return slaerrors.Configuration("seed.check", err)
		}
		if _, ok := tiers[t.TierID]; !ok {
			return slaerrors.Configurationf("seed.check", "target %s/%s: unknown tier", t.TierID, t.Priority)
		}
		if have[t.TierID] == nil {
			have[t.TierID] = make(map[models.Priority]bool)
		}
		have[t.TierID][t.Priority] = true
	}

	var missing []string
	for id, active := range tiers {
		if !active {
			continue
		}
		for _, p := range models.AllPriorities {
			if !have[id][p] {
				missing = append(missing, id+"/"+string(p))
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return slaerrors.Configuration("seed.check",
			fmt.Errorf("%w: %s", slaerrors.ErrMissingTarget, strings.Join(missing, ", ")))
	}

	for i := range s.Exclusions {
		if err := ValidateExclusion(&s.Exclusions[i]); err != nil {
			return err
		}
	}
	for i := range s.Milestones {
		if err := ValidateMilestone(&s.Milestones[i]); err != nil {
			return err
		}
	}
	for i := range s.Rules {
		if err := ValidateRule(&s.Rules[i]); err != nil {
			return err
		}
		if _, ok := tiers[s.Rules[i].TierID]; !ok {
			return slaerrors.Configurationf("seed.check", "rule %s: unknown tier %s", s.Rules[i].ID, s.Rules[i].TierID)
		}
	}
	return nil
}

// Apply writes the seed into the stores. Milestones go first so tiers can
// reference them.
func (s *Seed) Apply(ctx context.Context, tiers TierStore, rules RuleStore) error {
	for i := range s.Milestones {
		if err := tiers.SaveMilestone(ctx, &s.Milestones[i]); err != nil {
			return fmt.Errorf("seed milestone %s: %w", s.Milestones[i].Name, err)
		}
	}
	for i := range s.Tiers {
		if err := tiers.SaveTier(ctx, &s.Tiers[i]); err != nil {
			return fmt.Errorf("seed tier %s: %w", s.Tiers[i].ID, err)
		}
	}
	for i := range s.Targets {
		if err := tiers.SaveTarget(ctx, &s.Targets[i]); err != nil {
			return fmt.Errorf("seed target %s/%s: %w", s.Targets[i].TierID, s.Targets[i].Priority, err)
		}
	}
	for i := range s.Exclusions {
		if err := tiers.SaveExclusion(ctx, &s.Exclusions[i]); err != nil {
			return fmt.Errorf("seed exclusion %s: %w", s.Exclusions[i].ID, err)
		}
	}
	for i := range s.Rules {
		if err := rules.SaveRule(ctx, &s.Rules[i]); err != nil {
			return fmt.Errorf("seed rule %s: %w", s.Rules[i].ID, err)
		}
	}
	return nil
}
