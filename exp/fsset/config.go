package fsset

import (
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/chenyanchen/difftree"
	"gopkg.in/yaml.v3"
)

const defaultDebounce = 200 * time.Millisecond

// Duration is a time.Duration written as "250ms" or "1s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config describes one comparison.
type Config struct {
	Left       string   `yaml:"left"`
	Right      string   `yaml:"right"`
	Debounce   Duration `yaml:"debounce"`
	Ignore     []string `yaml:"ignore"`
	NameFormat string   `yaml:"name_format"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := ParseConfig(payload)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes and validates YAML config bytes.
func ParseConfig(payload []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(payload, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that both roots are set and every ignore pattern compiles.
func (c Config) Validate() error {
	var errs []error
	if c.Left == "" {
		errs = append(errs, errors.New("left is required"))
	}
	if c.Right == "" {
		errs = append(errs, errors.New("right is required"))
	}
	if c.Debounce < 0 {
		errs = append(errs, errors.New("debounce must not be negative"))
	}
	for _, p := range c.Ignore {
		if _, err := path.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("ignore pattern %q: %w", p, err))
		}
	}
	if _, err := c.Format(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DebounceOrDefault returns the configured debounce, or 200ms when unset.
func (c Config) DebounceOrDefault() time.Duration {
	if c.Debounce <= 0 {
		return defaultDebounce
	}
	return time.Duration(c.Debounce)
}

// Format maps name_format to a difftree.NameFormat: "brackets" (default),
// "star" or "plain".
func (c Config) Format() (difftree.NameFormat, error) {
	switch c.NameFormat {
	case "", "brackets":
		return difftree.BracketName, nil
	case "star":
		return func(name string) string { return name + " *" }, nil
	case "plain":
		return func(name string) string { return name }, nil
	default:
		return nil, fmt.Errorf("unknown name_format %q", c.NameFormat)
	}
}

func (c Config) ignored(rel string) bool {
	base := path.Base(rel)
	for _, p := range c.Ignore {
		if ok, _ := path.Match(p, base); ok {
			return true
		}
		if ok, _ := path.Match(p, rel); ok {
			return true
		}
	}
	return false
}
