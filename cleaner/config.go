// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cleaner

import (
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/juju/sexton/core/resource"
)

// Strategy selects how a resource kind is torn down.
type Strategy string

const (
	// StrategyGraceful runs the graceful callback only and never
	// escalates, whatever the outcome.
	StrategyGraceful Strategy = "graceful"

	// StrategyForce goes straight to the forced callback when the
	// descriptor defines one, skipping the graceful phase.
	StrategyForce Strategy = "force"

	// StrategyHybrid runs the graceful callback first and escalates to
	// the forced callback when it fails or times out.
	StrategyHybrid Strategy = "hybrid"
)

// Validate returns an error if the strategy is not recognised.
func (s Strategy) Validate() error {
	switch s {
	case StrategyGraceful, StrategyForce, StrategyHybrid:
		return nil
	}
	return errors.NotValidf("strategy %q", string(s))
}

// Profile names a preset configuration tuned for an environment.
type Profile string

const (
	ProfileDevelopment Profile = "development"
	ProfileTesting     Profile = "testing"
	ProfileCI          Profile = "ci"
	ProfileProduction  Profile = "production"
)

// Validate returns an error if the profile is not recognised.
func (p Profile) Validate() error {
	switch p {
	case ProfileDevelopment, ProfileTesting, ProfileCI, ProfileProduction:
		return nil
	}
	return errors.NotValidf("profile %q", string(p))
}

// ProfileFromEnv picks the profile from the SEXTON_PROFILE environment
// variable, falling back to ci when a CI environment is detected and
// to development otherwise.
func ProfileFromEnv() Profile {
	if v := os.Getenv("SEXTON_PROFILE"); v != "" {
		p := Profile(v)
		if err := p.Validate(); err == nil {
			return p
		}
		logger.Warningf("ignoring unknown SEXTON_PROFILE %q", v)
	}
	if os.Getenv("CI") != "" {
		return ProfileCI
	}
	return ProfileDevelopment
}

// Config holds the tunable settings for a cleanup pass. The zero value
// is not usable; start from DefaultConfig.
type Config struct {
	// GracefulTimeout bounds a single graceful attempt for descriptors
	// that do not carry their own timeout.
	GracefulTimeout time.Duration `yaml:"graceful-timeout"`

	// ForceTimeout bounds the forced callback once a resource has
	// escalated. Independent of GracefulTimeout, and usually shorter.
	ForceTimeout time.Duration `yaml:"force-timeout"`

	// MaxRetries is the number of additional graceful attempts after
	// the first one fails.
	MaxRetries int `yaml:"max-retries"`

	// RetryDelay is the pause before a retry.
	RetryDelay time.Duration `yaml:"retry-delay"`

	// RetryBackoff multiplies the delay between consecutive retries.
	// Zero or one keeps the delay fixed.
	RetryBackoff float64 `yaml:"retry-backoff"`

	// MaxRetryDelay caps a backoff-grown delay. Ignored when no
	// backoff is configured.
	MaxRetryDelay time.Duration `yaml:"max-retry-delay"`

	// MaxResourceTime caps the whole graceful phase of one descriptor,
	// retries included, independently of the per-attempt timeout. Zero
	// means no cap beyond attempts.
	MaxResourceTime time.Duration `yaml:"max-resource-time"`

	// MaxConcurrent caps how many descriptors of one tier run at once.
	// Zero means no cap.
	MaxConcurrent int64 `yaml:"max-concurrent"`

	// HandleDetection enables the post-pass leak check.
	HandleDetection bool `yaml:"handle-detection"`

	// DetectionTimeout bounds each handle scan of the leak check.
	DetectionTimeout time.Duration `yaml:"detection-timeout"`

	// Strategies overrides the teardown strategy per resource kind.
	// Kinds not listed use StrategyHybrid.
	Strategies map[resource.Kind]Strategy `yaml:"strategies,omitempty"`

	// Strict makes Cleanup return an error when the report carries
	// failures or leaks, instead of reporting them informationally.
	Strict bool `yaml:"strict"`

	// LoggingConfig is a loggo specification, for example
	// "sexton=INFO;sexton.cleaner=DEBUG", applied when the cleaner is
	// created or the config updated. Empty leaves logging alone.
	LoggingConfig string `yaml:"logging-config,omitempty"`
}

// Validate checks the config for inconsistencies.
func (c Config) Validate() error {
	if c.GracefulTimeout <= 0 {
		return errors.NotValidf("non-positive GracefulTimeout")
	}
	if c.ForceTimeout <= 0 {
		return errors.NotValidf("non-positive ForceTimeout")
	}
	if c.MaxRetries < 0 {
		return errors.NotValidf("negative MaxRetries")
	}
	if c.RetryDelay <= 0 {
		return errors.NotValidf("non-positive RetryDelay")
	}
	if c.RetryBackoff != 0 && c.RetryBackoff < 1 {
		return errors.NotValidf("RetryBackoff below 1")
	}
	if c.RetryBackoff > 1 && c.MaxRetryDelay <= 0 {
		return errors.NotValidf("RetryBackoff without MaxRetryDelay")
	}
	if c.MaxRetryDelay < 0 {
		return errors.NotValidf("negative MaxRetryDelay")
	}
	if c.MaxResourceTime < 0 {
		return errors.NotValidf("negative MaxResourceTime")
	}
	if c.MaxConcurrent < 0 {
		return errors.NotValidf("negative MaxConcurrent")
	}
	if c.DetectionTimeout < 0 {
		return errors.NotValidf("negative DetectionTimeout")
	}
	for kind, strategy := range c.Strategies {
		if err := kind.Validate(); err != nil {
			return errors.Trace(err)
		}
		if err := strategy.Validate(); err != nil {
			return errors.Annotatef(err, "strategy for %q", kind)
		}
	}
	return nil
}

// StrategyFor returns the effective strategy for a kind.
func (c Config) StrategyFor(kind resource.Kind) Strategy {
	if s, ok := c.Strategies[kind]; ok {
		return s
	}
	return StrategyHybrid
}

// DefaultConfig returns the preset for the given profile.
func DefaultConfig(profile Profile) Config {
	switch profile {
	case ProfileTesting:
		return Config{
			GracefulTimeout:  500 * time.Millisecond,
			ForceTimeout:     250 * time.Millisecond,
			MaxRetries:       0,
			RetryDelay:       50 * time.Millisecond,
			MaxResourceTime:  2 * time.Second,
			HandleDetection:  true,
			DetectionTimeout: 2 * time.Second,
			Strict:           true,
		}
	case ProfileCI:
		return Config{
			GracefulTimeout:  2 * time.Second,
			ForceTimeout:     time.Second,
			MaxRetries:       1,
			RetryDelay:       100 * time.Millisecond,
			RetryBackoff:     2.0,
			MaxRetryDelay:    time.Second,
			MaxResourceTime:  10 * time.Second,
			HandleDetection:  true,
			DetectionTimeout: 5 * time.Second,
			Strict:           true,
		}
	case ProfileProduction:
		return Config{
			GracefulTimeout:  30 * time.Second,
			ForceTimeout:     10 * time.Second,
			MaxRetries:       2,
			RetryDelay:       500 * time.Millisecond,
			RetryBackoff:     2.0,
			MaxRetryDelay:    5 * time.Second,
			MaxResourceTime:  2 * time.Minute,
			HandleDetection:  false,
			DetectionTimeout: 5 * time.Second,
			Strict:           false,
		}
	default:
		// Development, and anything unrecognised.
		return Config{
			GracefulTimeout:  5 * time.Second,
			ForceTimeout:     2 * time.Second,
			MaxRetries:       0,
			RetryDelay:       100 * time.Millisecond,
			MaxResourceTime:  15 * time.Second,
			HandleDetection:  true,
			DetectionTimeout: 5 * time.Second,
			Strict:           false,
		}
	}
}

// ParseConfig reads a YAML config document, layered over the preset of
// the named profile so a file only has to state what it changes.
func ParseConfig(profile Profile, data []byte) (Config, error) {
	cfg := DefaultConfig(profile)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Annotate(err, "parsing cleaner config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// WriteConfig renders the config as YAML.
func WriteConfig(cfg Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, errors.Annotate(err, "writing cleaner config")
	}
	return data, nil
}

// ConfigPatch updates a subset of Config fields; nil fields leave the
// current value alone.
type ConfigPatch struct {
	GracefulTimeout  *time.Duration
	ForceTimeout     *time.Duration
	MaxRetries       *int
	RetryDelay       *time.Duration
	RetryBackoff     *float64
	MaxRetryDelay    *time.Duration
	MaxResourceTime  *time.Duration
	MaxConcurrent    *int64
	HandleDetection  *bool
	DetectionTimeout *time.Duration
	Strategies       map[resource.Kind]Strategy
	Strict           *bool
	LoggingConfig    *string
}

// apply merges the patch into a copy of the config.
func (c Config) apply(p ConfigPatch) Config {
	if p.GracefulTimeout != nil {
		c.GracefulTimeout = *p.GracefulTimeout
	}
	if p.ForceTimeout != nil {
		c.ForceTimeout = *p.ForceTimeout
	}
	if p.MaxRetries != nil {
		c.MaxRetries = *p.MaxRetries
	}
	if p.RetryDelay != nil {
		c.RetryDelay = *p.RetryDelay
	}
	if p.RetryBackoff != nil {
		c.RetryBackoff = *p.RetryBackoff
	}
	if p.MaxRetryDelay != nil {
		c.MaxRetryDelay = *p.MaxRetryDelay
	}
	if p.MaxResourceTime != nil {
		c.MaxResourceTime = *p.MaxResourceTime
	}
	if p.MaxConcurrent != nil {
		c.MaxConcurrent = *p.MaxConcurrent
	}
	if p.HandleDetection != nil {
		c.HandleDetection = *p.HandleDetection
	}
	if p.DetectionTimeout != nil {
		c.DetectionTimeout = *p.DetectionTimeout
	}
	if p.Strategies != nil {
		merged := make(map[resource.Kind]Strategy, len(c.Strategies)+len(p.Strategies))
		for k, v := range c.Strategies {
			merged[k] = v
		}
		for k, v := range p.Strategies {
			merged[k] = v
		}
		c.Strategies = merged
	}
	if p.Strict != nil {
		c.Strict = *p.Strict
	}
	if p.LoggingConfig != nil {
		c.LoggingConfig = *p.LoggingConfig
	}
	return c
}
