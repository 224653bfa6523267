package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	oerrors "github.com/openpower/optest/errors"
)

// Load reads a configuration file, applies OPTEST_* environment overrides
// and defaults, and validates the result. An empty path loads from the
// environment only.
func Load(path string) (*File, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that still apply overrides
func Read(path string) (*File, error) {
	cfg := &File{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, oerrors.Wrap(err, oerrors.ErrConfiguration, "failed to read config file")
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, oerrors.Wrap(err, oerrors.ErrConfiguration, "failed to apply environment overrides")
	}
	return cfg, nil
}

// Default returns a configuration holding only defaults
func Default() *File {
	cfg := &File{}
	// Only defaults are applied; a malformed OPTEST_* variable is reported by Load.
	_ = cleanenv.ReadEnv(cfg)
	return cfg
}

func decode(path string, data []byte, cfg *File) error {
	ext := filepath.Ext(path)

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return oerrors.Wrap(err, oerrors.ErrConfiguration, "failed to parse YAML config")
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return oerrors.Wrap(err, oerrors.ErrConfiguration, "failed to parse JSON config")
		}
	case ".cue":
		if err := decodeCUE(path, data, cfg); err != nil {
			return oerrors.Wrap(err, oerrors.ErrConfiguration, "failed to parse CUE config")
		}
	default:
		return oerrors.Newf(oerrors.ErrConfiguration, "unsupported config file format: %s", ext)
	}
	return nil
}

// decodeCUE evaluates the file and decodes its concrete value through JSON,
// so CUE constraints and json tags agree.
func decodeCUE(path string, data []byte, cfg *File) error {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(data, cue.Filename(path))
	if err := value.Err(); err != nil {
		return err
	}
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("configuration is not concrete: %w", err)
	}
	raw, err := value.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, cfg)
}

// Validate checks the fields each platform needs
func (f *File) Validate() error {
	switch f.System.Platform {
	case PlatformIPMI, PlatformFSP, PlatformOpenBMC:
		if f.BMC.IP == "" {
			return oerrors.Newf(oerrors.ErrConfiguration, "platform %s requires bmc.ip", f.System.Platform)
		}
	case PlatformQEMU:
	case PlatformContainer:
		if f.Container.Name == "" {
			return oerrors.New(oerrors.ErrConfiguration, "platform container requires container.name")
		}
	default:
		return oerrors.Newf(oerrors.ErrConfiguration, "unknown platform %q", f.System.Platform)
	}

	if f.Console.ConnectAttempts < 1 {
		return oerrors.New(oerrors.ErrConfiguration, "console.connectAttempts must be at least 1")
	}
	if f.Console.CommandTimeout <= 0 {
		return oerrors.New(oerrors.ErrConfiguration, "console.commandTimeout must be positive")
	}
	if f.Monitor.Interval <= 0 {
		return oerrors.New(oerrors.ErrConfiguration, "monitor.interval must be positive")
	}
	return nil
}

// Marshal renders the configuration as YAML
func (f *File) Marshal() ([]byte, error) {
	return yaml.Marshal(f)
}
