package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona parameterizes how strict the portfolio manager verdict is.
// Thresholds are fractions in [0, 1].
type Persona struct {
	Name                   string  `yaml:"name"`
	DisagreementThreshold  float64 `yaml:"disagreement_threshold"`
	ConfidenceFloor        float64 `yaml:"confidence_floor"`
	Description            string  `yaml:"description"`
}

// Built-in persona presets. A persona file may override thresholds or add
// new personas, but these four are always resolvable.
var builtinPersonas = map[string]Persona{
	"AGGRESSIVE": {
		Name:                  "AGGRESSIVE",
		DisagreementThreshold: 0.60,
		ConfidenceFloor:       0.45,
		Description:           "Momentum chasing, accepts split rooms",
	},
	"TRADING": {
		Name:                  "TRADING",
		DisagreementThreshold: 0.67,
		ConfidenceFloor:       0.50,
		Description:           "Default swing trading profile",
	},
	"LONG_TERM": {
		Name:                  "LONG_TERM",
		DisagreementThreshold: 0.70,
		ConfidenceFloor:       0.55,
		Description:           "Position trades, wants broad agreement",
	},
	"DIVIDEND": {
		Name:                  "DIVIDEND",
		DisagreementThreshold: 0.75,
		ConfidenceFloor:       0.60,
		Description:           "Income portfolio, trades only on near-unanimity",
	},
}

// PersonaFile is the on-disk persona preset format
type PersonaFile struct {
	SchemaVersion string    `yaml:"schema_version"`
	Personas      []Persona `yaml:"personas"`
}

// PersonaSet resolves persona names to threshold presets
type PersonaSet struct {
	personas map[string]Persona
}

// DefaultPersonas returns the built-in preset set
func DefaultPersonas() *PersonaSet {
	ps := &PersonaSet{personas: make(map[string]Persona, len(builtinPersonas))}
	for name, p := range builtinPersonas {
		ps.personas[name] = p
	}
	return ps
}

// LoadPersonaFile loads persona presets from a YAML file, overlaying the
// built-in set. Unknown fields are rejected.
func LoadPersonaFile(path string) (*PersonaSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read persona file: %w", err)
	}

	var file PersonaFile
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse persona file %s: %w", path, err)
	}

	if err := checkSchemaVersion(file.SchemaVersion); err != nil {
		return nil, fmt.Errorf("persona file %s: %w", path, err)
	}

	ps := DefaultPersonas()
	for _, p := range file.Personas {
		name := strings.ToUpper(strings.TrimSpace(p.Name))
		if name == "" {
			return nil, fmt.Errorf("persona file %s: persona with empty name", path)
		}
		if p.DisagreementThreshold <= 0 || p.DisagreementThreshold > 1 {
			return nil, fmt.Errorf("persona %s: disagreement_threshold %.2f out of range (0, 1]", name, p.DisagreementThreshold)
		}
		if p.ConfidenceFloor <= 0 || p.ConfidenceFloor > 1 {
			return nil, fmt.Errorf("persona %s: confidence_floor %.2f out of range (0, 1]", name, p.ConfidenceFloor)
		}
		p.Name = name
		ps.personas[name] = p
	}

	return ps, nil
}

// Get returns the persona for name
func (ps *PersonaSet) Get(name string) (Persona, error) {
	p, ok := ps.personas[strings.ToUpper(name)]
	if !ok {
		return Persona{}, fmt.Errorf("unknown persona %q (known: %s)", name, strings.Join(ps.Names(), ", "))
	}
	return p, nil
}

// Names returns the known persona names sorted
func (ps *PersonaSet) Names() []string {
	names := make([]string, 0, len(ps.personas))
	for name := range ps.personas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PersonaByName resolves a persona against the built-in presets only.
// Used for config validation before any persona file is loaded.
func PersonaByName(name string) (Persona, error) {
	return DefaultPersonas().Get(name)
}
