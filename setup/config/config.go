package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// Lumen is the root configuration for the linking subsystem and the
// components it rides on.
type Lumen struct {
	// The version of the configuration file format that this file is in.
	Version int `yaml:"version"`

	Global        Global        `yaml:"global"`
	DeviceListAPI DeviceListAPI `yaml:"device_list_api"`
	Linking       Linking       `yaml:"linking"`

	// The level to log at: one of trace, debug, info, warn, error.
	Logging string `yaml:"logging"`
}

const Version = 1

// Load a yaml config file and check it for problems.
func Load(configPath string) (*Lumen, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	basePath, err := filepath.Abs(".")
	if err != nil {
		return nil, err
	}
	// Pass the current working directory and os.ReadFile so that they can
	// be mocked in the tests.
	return loadConfig(basePath, configData, os.ReadFile)
}

func loadConfig(
	basePath string,
	configData []byte,
	readFile func(string) ([]byte, error),
) (*Lumen, error) {
	c := Defaults(DefaultOpts{})
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return nil, err
	}

	if c.Version != Version {
		return nil, fmt.Errorf(
			"config version is %d, expected %d", c.Version, Version,
		)
	}

	if err := c.check(); err != nil {
		return nil, err
	}

	if c.Global.SigningKeyPath != "" {
		keyPath := absPath(basePath, c.Global.SigningKeyPath)
		keyData, err := readFile(keyPath)
		if err != nil {
			return nil, err
		}
		if err := c.Global.readSigningKey(keyData); err != nil {
			return nil, fmt.Errorf("failed to read signing key from %q: %w", keyPath, err)
		}
	}

	return &c, nil
}

type DefaultOpts struct {
	// If the database connection strings and broker storage paths should
	// be populated with usable single-process defaults.
	Generate bool
	// If the broker and database should keep everything in memory, for tests.
	Monolithic bool
}

// Defaults returns a Lumen configuration with all sections defaulted.
func Defaults(opts DefaultOpts) Lumen {
	var c Lumen
	c.Version = Version
	c.Logging = "info"
	c.Global.Defaults(opts)
	c.DeviceListAPI.Defaults(opts)
	c.Linking.Defaults(opts)
	return c
}

func (c *Lumen) Verify(configErrs *ConfigErrors) {
	c.Global.Verify(configErrs)
	c.DeviceListAPI.Verify(configErrs)
	c.Linking.Verify(configErrs)
}

func (c *Lumen) check() error {
	var configErrs ConfigErrors
	c.Verify(&configErrs)
	if configErrs != nil {
		return configErrs
	}
	return nil
}

// A Path on the filesystem.
type Path string

// A DataSource for opening a database connection.
type DataSource string

func (d DataSource) IsSQLite() bool {
	return strings.HasPrefix(string(d), "file:")
}

// ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

// Add appends an error to the list of errors in this ConfigErrors.
// It is a wrapper to the builtin append and hides pointers from
// the client code.
// This method is safe to use with an uninitialized ConfigErrors because
// if it is nil, it will be properly allocated.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// ConfigErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies the given value is positive (zero included)
// in the configuration. If it is not, adds an error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value < 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}

// absPath returns the absolute path for a given relative or absolute path.
func absPath(dir string, path Path) string {
	if filepath.IsAbs(string(path)) {
		// filepath.Join cleans the path so we should clean the absolute paths as well for consistency.
		return filepath.Clean(string(path))
	}
	return filepath.Join(dir, string(path))
}
