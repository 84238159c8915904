// Package config defines the TOML configuration file format and its
// validation.
package config

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"stash/internal/stash"
)

// Config is the top-level configuration, read from a TOML file.
type Config struct {
	HostID   string                   `toml:"host_id"`
	BaseDir  string                   `toml:"base_dir"`
	LogDir   string                   `toml:"log_dir"`
	Database DatabaseConfig           `toml:"database"`
	Profiles map[string]ProfileConfig `toml:"profiles"`
}

type DatabaseConfig struct {
	Type    string `toml:"type"`
	DataDir string `toml:"data_dir"`
}

// ProfileConfig is one named set of credentials and destinations. A
// profile scopes everything: each destination's backend hash is derived
// from the profile's credentials and container name.
type ProfileConfig struct {
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Region    string `toml:"region"`

	S3Bucket       string `toml:"s3_bucket"`
	GlacierVault   string `toml:"glacier_vault"`
	ObjectEndpoint string `toml:"object_endpoint"`
	ObjectBucket   string `toml:"object_bucket"`
	ObjectSecure   bool   `toml:"object_secure"`

	DefaultDestination string          `toml:"default_destination"`
	Compress           *bool           `toml:"compress"`
	Rotation           *RotationConfig `toml:"rotation"`
	Sync               *SyncConfig     `toml:"sync"`
}

type RotationConfig struct {
	Days         int    `toml:"days"`
	Weeks        int    `toml:"weeks"`
	Months       int    `toml:"months"`
	FirstWeekDay string `toml:"first_week_day"`
}

type SyncConfig struct {
	URL      string `toml:"url"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// NewConfig returns a config with defaults filled in. BaseDir and
// LogDir default to the stash home directory.
func NewConfig(home string) *Config {
	return &Config{
		BaseDir: home,
		LogDir:  filepath.Join(home, "log"),
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: home,
		},
		Profiles: map[string]ProfileConfig{},
	}
}

// ReadFromFile loads and validates the configuration at path.
func ReadFromFile(path string, home string) (*Config, error) {
	config := NewConfig(home)

	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the configuration for errors that would otherwise
// surface mid-operation.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "memory":
	default:
		return &stash.ConfigurationError{Reason: fmt.Sprintf("unknown database type %q", c.Database.Type)}
	}

	for name, profile := range c.Profiles {
		if profile.DefaultDestination != "" {
			if _, err := stash.ParseDestination(profile.DefaultDestination); err != nil {
				return fmt.Errorf("profile %s: %w", name, err)
			}
		}
		if profile.Rotation != nil {
			if _, err := profile.Rotation.firstWeekDay(); err != nil {
				return fmt.Errorf("profile %s: %w", name, err)
			}
		}
	}
	return nil
}

// Profile returns the named profile config, falling back to "default".
func (c *Config) Profile(name string) (ProfileConfig, error) {
	if name == "" {
		name = "default"
	}
	profile, ok := c.Profiles[name]
	if !ok {
		return ProfileConfig{}, &stash.ConfigurationError{Reason: fmt.Sprintf("profile %q not found", name)}
	}
	return profile, nil
}

// ToProfile resolves a ProfileConfig into the runtime stash.Profile,
// deriving per-destination backend hashes.
func (p ProfileConfig) ToProfile(name string, hostID string) (*stash.Profile, error) {
	defaultDest := stash.DestinationS3
	if p.DefaultDestination != "" {
		dest, err := stash.ParseDestination(p.DefaultDestination)
		if err != nil {
			return nil, err
		}
		defaultDest = dest
	}

	compress := true
	if p.Compress != nil {
		compress = *p.Compress
	}

	hashes := map[stash.Destination]string{}
	for dest, container := range map[stash.Destination]string{
		stash.DestinationS3:      p.S3Bucket,
		stash.DestinationGlacier: p.GlacierVault,
		stash.DestinationObject:  p.ObjectBucket,
	} {
		if container != "" {
			hashes[dest] = p.BackendHash(container)
		}
	}

	profile := &stash.Profile{
		Name:               name,
		DefaultDestination: defaultDest,
		Compress:           compress,
		Hostname:           hostID,
		Hashes:             hashes,
	}

	if p.Rotation != nil {
		firstWeekDay, err := p.Rotation.firstWeekDay()
		if err != nil {
			return nil, err
		}
		profile.Rotation = &stash.RotationConfig{
			Days:         p.Rotation.Days,
			Weeks:        p.Rotation.Weeks,
			Months:       p.Rotation.Months,
			FirstWeekDay: firstWeekDay,
		}
	}

	return profile, nil
}

// BackendHash derives the scoping fingerprint for a container under
// this profile's credentials. The same credentials and container always
// hash to the same value, across hosts, so records sync cleanly.
func (p ProfileConfig) BackendHash(container string) string {
	sum := sha512.Sum512([]byte(p.AccessKey + container))
	return hex.EncodeToString(sum[:])
}

func (r *RotationConfig) firstWeekDay() (time.Weekday, error) {
	if r.FirstWeekDay == "" {
		return time.Monday, nil
	}
	day, ok := weekdays[strings.ToLower(r.FirstWeekDay)]
	if !ok {
		return 0, &stash.ConfigurationError{Reason: fmt.Sprintf("unknown first_week_day %q", r.FirstWeekDay)}
	}
	return day, nil
}

const initialConfig = `# stash configuration

# base_dir = "~/.local/share/stash"

[database]
type = "sqlite"

[profiles.default]
access_key = ""
secret_key = ""
region = "us-east-1"
s3_bucket = ""
# glacier_vault = ""
default_destination = "s3"

# [profiles.default.rotation]
# days = 7
# weeks = 4
# months = 6
# first_week_day = "monday"

# [profiles.default.sync]
# url = "https://stash.example.com"
# username = ""
# password = ""
`

// Init writes a commented starter configuration at path. An existing
// file is never overwritten.
func Init(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.WriteFile(path, []byte(initialConfig), 0600); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}
