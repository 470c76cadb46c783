// Package config defines the compiler's tunable options and loads them
// from an optional YAML file, the way the CLI front-end's configuration
// is read in this project's ambient stack.
package config

import (
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config controls the verification engines. Unknown keys in a loaded file
// are silently ignored; every field has a usable default so an absent or
// partial file is always valid.
type Config struct {
	// BMCMaxDepth bounds how many transitions the safety engine explores
	// per rule once the state space is too large to exhaust outright.
	BMCMaxDepth uint64 `yaml:"bmc_max_depth"`

	// ExhaustiveThreshold is the concrete-state count (control state ×
	// every device's fact vector) at or below which the safety engine searches
	// to natural completion instead of clamping to BMCMaxDepth -- the
	// state space's diameter is always below its own size, so exploring
	// to that depth visits everything reachable.
	ExhaustiveThreshold uint64 `yaml:"exhaustive_threshold"`

	// TreatUndeclaredTimingAsWarning controls whether an action lacking
	// any timing attribute is reported (as a warning) or silently
	// contributes zero to the timing engine's worst-case estimates.
	TreatUndeclaredTimingAsWarning bool `yaml:"treat_undeclared_timing_as_warning"`

	// Logger receives Debug-level traces from the verification engines
	// (chosen BMC depth, SCCs found, causality chains walked). Not
	// loaded from YAML; callers set it after LoadFile/Default. A nil
	// Logger is treated as zap.NewNop() by Log().
	Logger *zap.Logger `yaml:"-"`
}

// Default returns the compiler's built-in configuration.
func Default() Config {
	return Config{
		BMCMaxDepth:                    64,
		ExhaustiveThreshold:            256,
		TreatUndeclaredTimingAsWarning: true,
		Logger:                         zap.NewNop(),
	}
}

// Log returns cfg's logger, substituting a no-op logger when none was set
// (e.g. a Config built as a bare struct literal rather than via Default).
func (cfg Config) Log() *zap.Logger {
	if cfg.Logger == nil {
		return zap.NewNop()
	}
	return cfg.Logger
}

// LoadFile reads a YAML config file, overlaying it onto Default(). A
// missing file is not an error: the default configuration is returned
// unchanged, matching the project's "absent config is always valid"
// contract.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
