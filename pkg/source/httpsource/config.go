package httpsource

import (
	"errors"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNameRequired is returned when a provider has no source key
	ErrNameRequired = errors.New("source name is required")
	// ErrURLRequired is returned when a provider has no base url
	ErrURLRequired = errors.New("source url is required")
	// ErrInvalidBatchSize is returned when identifiersPerCall is not positive
	ErrInvalidBatchSize = errors.New("identifiersPerCall must be positive")
)

// Config describes one provider gateway
type Config struct {
	Name               string            `yaml:"name"`
	URL                string            `yaml:"url"`
	Path               string            `yaml:"path" default:"/records"`
	Token              string            `yaml:"token"`
	Timeout            time.Duration     `yaml:"timeout" default:"60s"`
	IdentifiersPerCall int               `yaml:"identifiersPerCall" default:"20"`
	Headers            map[string]string `yaml:"headers"`
}

// UnmarshalYAML applies field defaults before decoding so list entries get
// them too
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	if err := defaults.Set(c); err != nil {
		return err
	}

	type plain Config

	return value.Decode((*plain)(c))
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Name == "" {
		return ErrNameRequired
	}

	if c.URL == "" {
		return ErrURLRequired
	}

	if c.IdentifiersPerCall <= 0 {
		return ErrInvalidBatchSize
	}

	return nil
}
