package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// rulesSchemaConstraint is the rules file schema range this build understands
const rulesSchemaConstraint = ">= 1.0.0, < 2.0.0"

// TickerRule describes one tradeable instrument
type TickerRule struct {
	Ticker   string   `yaml:"ticker"`
	Exchange string   `yaml:"exchange"`
	Keywords []string `yaml:"keywords"`
}

// RulesFile is the on-disk trading rules format: the tradeable universe
// with its news keywords, plus the restricted list.
type RulesFile struct {
	SchemaVersion string       `yaml:"schema_version"`
	Tickers       []TickerRule `yaml:"tickers"`
	Blacklist     []string     `yaml:"blacklist"`
}

// Rules is the compiled, lookup-friendly form of a RulesFile
type Rules struct {
	tickers   map[string]TickerRule
	keywords  map[string][]string // lowercase keyword -> tickers carrying it
	blacklist map[string]struct{}
}

// LoadRulesFile loads and compiles the trading rules file.
// Unknown YAML fields are rejected so typos fail loudly.
func LoadRulesFile(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var file RulesFile
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}

	if err := checkSchemaVersion(file.SchemaVersion); err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}

	return CompileRules(file)
}

// CompileRules validates a RulesFile and builds the lookup structures
func CompileRules(file RulesFile) (*Rules, error) {
	r := &Rules{
		tickers:   make(map[string]TickerRule, len(file.Tickers)),
		keywords:  make(map[string][]string),
		blacklist: make(map[string]struct{}, len(file.Blacklist)),
	}

	for _, tr := range file.Tickers {
		ticker := strings.ToUpper(strings.TrimSpace(tr.Ticker))
		if ticker == "" {
			return nil, fmt.Errorf("rules: ticker entry with empty symbol")
		}
		if _, dup := r.tickers[ticker]; dup {
			return nil, fmt.Errorf("rules: duplicate ticker %s", ticker)
		}
		if tr.Exchange == "" {
			tr.Exchange = "NYSE"
		}
		tr.Ticker = ticker
		r.tickers[ticker] = tr

		for _, kw := range tr.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			r.keywords[kw] = append(r.keywords[kw], ticker)
		}
		// The symbol itself always matches
		r.keywords[strings.ToLower(ticker)] = append(r.keywords[strings.ToLower(ticker)], ticker)
	}

	for _, b := range file.Blacklist {
		b = strings.ToUpper(strings.TrimSpace(b))
		if b == "" {
			continue
		}
		r.blacklist[b] = struct{}{}
	}

	return r, nil
}

// MatchTickers returns the tradeable tickers whose keywords appear in text.
// Matching is case-insensitive substring containment over the lowercased text.
func (r *Rules) MatchTickers(text string) []string {
	lower := strings.ToLower(text)
	seen := make(map[string]struct{})
	var out []string
	for kw, tickers := range r.keywords {
		if !strings.Contains(lower, kw) {
			continue
		}
		for _, t := range tickers {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// IsTradeable reports whether ticker is in the universe
func (r *Rules) IsTradeable(ticker string) bool {
	_, ok := r.tickers[strings.ToUpper(ticker)]
	return ok
}

// IsBlacklisted reports whether ticker is on the restricted list
func (r *Rules) IsBlacklisted(ticker string) bool {
	_, ok := r.blacklist[strings.ToUpper(ticker)]
	return ok
}

// Exchange returns the listing exchange for ticker, defaulting to NYSE
func (r *Rules) Exchange(ticker string) string {
	if tr, ok := r.tickers[strings.ToUpper(ticker)]; ok {
		return tr.Exchange
	}
	return "NYSE"
}

// Tickers returns every ticker in the universe
func (r *Rules) Tickers() []string {
	out := make([]string, 0, len(r.tickers))
	for t := range r.tickers {
		out = append(out, t)
	}
	return out
}

// Exchanges returns the distinct listing exchanges across the universe
func (r *Rules) Exchanges() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tr := range r.tickers {
		if _, dup := seen[tr.Exchange]; dup {
			continue
		}
		seen[tr.Exchange] = struct{}{}
		out = append(out, tr.Exchange)
	}
	return out
}

// BlacklistSet returns a copy of the restricted list as a lookup map
func (r *Rules) BlacklistSet() map[string]bool {
	out := make(map[string]bool, len(r.blacklist))
	for t := range r.blacklist {
		out[t] = true
	}
	return out
}

// checkSchemaVersion validates a config file schema version against the
// range this build supports
func checkSchemaVersion(version string) error {
	if version == "" {
		return fmt.Errorf("schema_version is required")
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid schema_version %q: %w", version, err)
	}
	constraint, err := semver.NewConstraint(rulesSchemaConstraint)
	if err != nil {
		return fmt.Errorf("invalid schema constraint: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("schema_version %s outside supported range %s", version, rulesSchemaConstraint)
	}
	return nil
}
