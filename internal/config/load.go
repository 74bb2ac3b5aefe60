package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "STRATA_"

// Env holds the environment overrides.
type Env struct {
	// Config is the settings file path used when no --config flag is given.
	Config string `env:"CONFIG"`

	// DefaultEngine and DefaultName override the default database.
	DefaultEngine string `env:"DEFAULT_ENGINE"`
	DefaultName   string `env:"DEFAULT_NAME"`
}

// ParseEnv reads STRATA_* variables. A nil environ reads the process
// environment.
func ParseEnv(environ map[string]string) (Env, error) {
	var e Env
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&e, opts); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// ApplyEnv overrides the default database from e.
func (s *Settings) ApplyEnv(e Env) {
	if e.DefaultEngine != "" {
		s.Default.Engine = e.DefaultEngine
	}
	if e.DefaultName != "" {
		s.Default.Name = e.DefaultName
	}
}

// Load reads settings from path, chosen by extension, then normalises and
// validates them.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var s *Settings
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
		s, err = ParseYAML(data)
	case ".cue":
		s, err = ParseCUE(path, data)
	default:
		return nil, fmt.Errorf("unsupported settings format %q (want .yaml, .yml, .json or .cue)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	s.Normalize()
	if err := s.Validate(); err != nil {
		var cfgErr *Error
		if errors.As(err, &cfgErr) {
			cfgErr.Path = path
		}
		return nil, err
	}
	return s, nil
}

// ParseYAML decodes settings, rejecting unknown fields (catches typos like
// "model:" vs "models:").
func ParseYAML(data []byte) (*Settings, error) {
	var s Settings
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &s, nil
}

// ParseCUE evaluates a CUE settings file and decodes the result. CUE
// constraints in the file are checked during evaluation.
func ParseCUE(filename string, data []byte) (*Settings, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("building CUE value: %w", err)
	}
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validating CUE value: %w", err)
	}

	var s Settings
	if err := value.Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding CUE value: %w", err)
	}
	return &s, nil
}
