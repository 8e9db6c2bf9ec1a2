package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// Geofence policies decide what happens to a punch outside the fence or without a location.
const (
	PolicyReject  = "reject"
	PolicyJustify = "justify"
	PolicyApprove = "approve"
	PolicyAllow   = "allow"
)

const DefaultTimezone = "America/Sao_Paulo"

// Config models a tenant's caseline.yml.
type Config struct {
	Tenant struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"tenant" json:"tenant"`
	Journeys map[string]JourneyDef `yaml:"journeys" json:"journeys,omitempty"`
	// Assignments lists journey keys enabled for the tenant; earlier entries win the
	// tenant-level fallback.
	Assignments []string        `yaml:"assignments" json:"assignments,omitempty"`
	Channels    []ChannelConfig `yaml:"channels" json:"channels,omitempty"`
	Presence    PresenceConfig  `yaml:"presence" json:"presence"`
	Jobs        JobsConfig      `yaml:"jobs" json:"jobs"`
}

type JourneyDef struct {
	Name    string   `yaml:"name" json:"name,omitempty"`
	States  []string `yaml:"states" json:"states"`
	Default string   `yaml:"default" json:"default,omitempty"`
}

type ChannelConfig struct {
	ID             string `yaml:"id" json:"id"`
	Provider       string `yaml:"provider" json:"provider,omitempty"`
	Secret         string `yaml:"secret" json:"-"`
	DefaultJourney string `yaml:"default_journey" json:"default_journey,omitempty"`
}

type PresenceConfig struct {
	Timezone              string    `yaml:"timezone" json:"timezone,omitempty"`
	Geofence              *Geofence `yaml:"geofence" json:"geofence,omitempty"`
	OutsidePolicy         string    `yaml:"outside_policy" json:"outside_policy,omitempty"`
	MissingLocationPolicy string    `yaml:"missing_location_policy" json:"missing_location_policy,omitempty"`
	MaxAccuracyMeters     float64   `yaml:"max_accuracy_meters" json:"max_accuracy_meters,omitempty"`
}

type Geofence struct {
	Latitude     float64 `yaml:"latitude" json:"latitude"`
	Longitude    float64 `yaml:"longitude" json:"longitude"`
	RadiusMeters float64 `yaml:"radius_meters" json:"radius_meters"`
}

type JobsConfig struct {
	MaxAttempts int                       `yaml:"max_attempts" json:"max_attempts,omitempty"`
	Endpoints   map[string]EndpointConfig `yaml:"endpoints" json:"endpoints,omitempty"`
}

// EndpointConfig is where the job runner delivers jobs of one type.
type EndpointConfig struct {
	URL            string `yaml:"url" json:"url"`
	Secret         string `yaml:"secret" json:"secret,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tenant.ID == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	for key, j := range c.Journeys {
		if key == "" {
			return fmt.Errorf("config.journeys contains empty key")
		}
		if len(j.States) == 0 {
			return fmt.Errorf("journey %s has no states", key)
		}
		seen := map[string]bool{}
		for _, s := range j.States {
			if s == "" {
				return fmt.Errorf("journey %s has empty state", key)
			}
			if seen[s] {
				return fmt.Errorf("journey %s repeats state %s", key, s)
			}
			seen[s] = true
		}
		if j.Default != "" && !seen[j.Default] {
			return fmt.Errorf("journey %s default state %s not in states", key, j.Default)
		}
	}
	for _, key := range c.Assignments {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("config.assignments contains empty journey key")
		}
	}
	ids := map[string]bool{}
	for _, ch := range c.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channel id is required")
		}
		if ids[ch.ID] {
			return fmt.Errorf("channel %s declared twice", ch.ID)
		}
		ids[ch.ID] = true
	}
	if tz := c.Presence.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("presence.timezone %s: %w", tz, err)
		}
	}
	if g := c.Presence.Geofence; g != nil {
		if g.RadiusMeters <= 0 {
			return fmt.Errorf("presence.geofence.radius_meters must be positive")
		}
		if g.Latitude < -90 || g.Latitude > 90 || g.Longitude < -180 || g.Longitude > 180 {
			return fmt.Errorf("presence.geofence center out of range")
		}
	}
	for name, p := range map[string]string{
		"outside_policy":          c.Presence.OutsidePolicy,
		"missing_location_policy": c.Presence.MissingLocationPolicy,
	} {
		switch p {
		case "", PolicyReject, PolicyJustify, PolicyApprove, PolicyAllow:
		default:
			return fmt.Errorf("presence.%s must be one of reject, justify, approve, allow", name)
		}
	}
	if c.Jobs.MaxAttempts < 0 {
		return fmt.Errorf("jobs.max_attempts must not be negative")
	}
	for jobType, ep := range c.Jobs.Endpoints {
		if strings.TrimSpace(ep.URL) == "" {
			return fmt.Errorf("jobs.endpoints.%s.url is required", jobType)
		}
	}
	return nil
}

// Location returns the tenant presence time zone.
func (c *Config) Location() *time.Location {
	tz := c.Presence.Timezone
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MaxJobAttempts returns the configured retry ceiling for queued jobs.
func (c *Config) MaxJobAttempts() int {
	if c.Jobs.MaxAttempts > 0 {
		return c.Jobs.MaxAttempts
	}
	return 5
}

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, tenantID))).Decode(&cfg)
	cfg.Tenant.ID = tenantID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID)
}

const defaultTemplate = `tenant:
  id: %s
  name: ""

assignments: [sales_order]

presence:
  timezone: America/Sao_Paulo
  outside_policy: justify
  missing_location_policy: justify

jobs:
  max_attempts: 5
`
