// Package config loads database settings and routing rules.
//
// Settings name one default database plus any number of additional
// databases. Each additional database may carry a rule block (Models)
// listing the entities routed to it, either exactly ("shop.Order") or by
// whole application label ("shop"):
//
//	default:
//	  engine: sqlite
//	  name: ./main.db
//	other_databases:
//	  archive:
//	    engine: postgres
//	    name: postgres://localhost/archive
//	    models: [shop.Order, audit]
//
// Settings load from YAML (.yaml, .yml, .json) or CUE (.cue) files, and a
// small set of environment variables (STRATA_*) override the default
// database.
package config

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DefaultName is the connection name of the default database.
const DefaultName = "default"

// Supported engines.
const (
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
)

var engineAliases = map[string]string{
	"sqlite":     EngineSQLite,
	"sqlite3":    EngineSQLite,
	"postgres":   EnginePostgres,
	"postgresql": EnginePostgres,
	"pgx":        EnginePostgres,
}

// CanonicalEngine maps an engine name or alias to its canonical form.
func CanonicalEngine(engine string) (string, bool) {
	e, ok := engineAliases[strings.ToLower(strings.TrimSpace(engine))]
	return e, ok
}

// DatabaseDef describes one database connection and, for additional
// databases, the rule block routing entities to it.
type DatabaseDef struct {
	Engine  string            `yaml:"engine" json:"engine"`
	Name    string            `yaml:"name" json:"name"`
	Options map[string]string `yaml:"options,omitempty" json:"options,omitempty"`

	// Models lists "app.Entity" or bare "app" entries. A database without
	// Models never receives routed entities.
	Models []string `yaml:"models,omitempty" json:"models,omitempty"`
}

// Settings is the full database configuration.
type Settings struct {
	Default DatabaseDef            `yaml:"default" json:"default"`
	Other   map[string]DatabaseDef `yaml:"other_databases,omitempty" json:"other_databases,omitempty"`
}

// Defaults returns settings with an in-memory sqlite default database and
// no routing.
func Defaults() *Settings {
	return &Settings{
		Default: DatabaseDef{Engine: EngineSQLite, Name: ":memory:"},
	}
}

// HasRouting reports whether any additional database is configured.
func (s *Settings) HasRouting() bool {
	return len(s.Other) > 0
}

// OtherNames returns the additional database names in sorted order.
func (s *Settings) OtherNames() []string {
	names := make([]string, 0, len(s.Other))
	for name := range s.Other {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the definition for a connection name, including
// DefaultName.
func (s *Settings) Lookup(name string) (DatabaseDef, bool) {
	if name == DefaultName {
		return s.Default, true
	}
	def, ok := s.Other[name]
	return def, ok
}

// Normalize canonicalises engines and NFC-normalises rule entries so
// labels compare byte-for-byte.
func (s *Settings) Normalize() {
	s.Default = normalizeDef(s.Default)
	for name, def := range s.Other {
		s.Other[name] = normalizeDef(def)
	}
}

func normalizeDef(def DatabaseDef) DatabaseDef {
	if e, ok := CanonicalEngine(def.Engine); ok {
		def.Engine = e
	}
	def.Name = strings.TrimSpace(def.Name)
	if def.Models != nil {
		models := make([]string, len(def.Models))
		for i, m := range def.Models {
			models[i] = NormalizeLabel(m)
		}
		def.Models = models
	}
	return def
}

// NormalizeLabel trims and NFC-normalises an "app" or "app.Entity" label.
func NormalizeLabel(label string) string {
	return norm.NFC.String(strings.TrimSpace(label))
}

// Validate checks engines, names and rule entries. It does not check for
// ambiguous routing; that surfaces at resolve time.
func (s *Settings) Validate() error {
	var problems []string
	check := func(name string, def DatabaseDef) {
		if _, ok := CanonicalEngine(def.Engine); !ok {
			problems = append(problems, fmt.Sprintf("%s: unknown engine %q", name, def.Engine))
		}
		if def.Name == "" {
			problems = append(problems, fmt.Sprintf("%s: name is required", name))
		}
	}

	check(DefaultName, s.Default)
	if len(s.Default.Models) > 0 {
		problems = append(problems, "default: models are not allowed on the default database")
	}
	for _, name := range s.OtherNames() {
		def := s.Other[name]
		if name == DefaultName || name == "" {
			problems = append(problems, fmt.Sprintf("invalid database name %q", name))
			continue
		}
		check(name, def)
		for _, m := range def.Models {
			if err := validateLabel(m); err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", name, err))
			}
		}
	}

	if len(problems) > 0 {
		return &Error{Problems: problems}
	}
	return nil
}

func validateLabel(label string) error {
	if label == "" {
		return fmt.Errorf("empty model entry")
	}
	parts := strings.Split(label, ".")
	if len(parts) > 2 {
		return fmt.Errorf("model entry %q: expected app or app.Entity", label)
	}
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("model entry %q: expected app or app.Entity", label)
		}
	}
	return nil
}

// Error reports invalid settings.
type Error struct {
	Path     string
	Problems []string
}

func (e *Error) Error() string {
	msg := strings.Join(e.Problems, "; ")
	if e.Path != "" {
		return fmt.Sprintf("invalid settings in %s: %s", e.Path, msg)
	}
	return "invalid settings: " + msg
}
