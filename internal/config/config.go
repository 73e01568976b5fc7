// Package config is used to load the configuration file
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blacktop/sideload/internal/secret"
	"github.com/blacktop/sideload/pkg/anisette"
	"github.com/blacktop/sideload/pkg/developer"
	"github.com/blacktop/sideload/pkg/gsa"
	"github.com/spf13/viper"
)

const (
	DefaultMachineName = "YCode"
	DefaultSignerPath  = "zsign"
)

type anisetteConf struct {
	Server string `mapstructure:"server"`
}

type gsaConf struct {
	URL string `mapstructure:"url"`
}

type developerConf struct {
	URL string `mapstructure:"url"`
}

type keyringConf struct {
	Service  string `mapstructure:"service"`
	Backend  string `mapstructure:"backend"`
	Password string `mapstructure:"password"`
}

type signerConf struct {
	Path string `mapstructure:"path"`
}

// Config is the configuration struct
type Config struct {
	ConfigDir       string        `mapstructure:"config_dir"`
	PromptTimeout   time.Duration `mapstructure:"prompt_timeout"`
	MachineName     string        `mapstructure:"machine_name"`
	AppGroupFeature string        `mapstructure:"app_group_feature"`
	Locale          string        `mapstructure:"locale"`
	Platform        string        `mapstructure:"platform"`
	Proxy           string        `mapstructure:"proxy"`
	Insecure        bool          `mapstructure:"insecure"`

	Anisette  anisetteConf  `mapstructure:"anisette"`
	GSA       gsaConf       `mapstructure:"gsa"`
	Developer developerConf `mapstructure:"developer"`
	Keyring   keyringConf   `mapstructure:"keyring"`
	Signer    signerConf    `mapstructure:"signer"`
}

func (c *Config) verify() error {
	if c.ConfigDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("config: failed to get user home directory: %v", err)
		}
		c.ConfigDir = filepath.Join(home, ".config", "sideload")
	}
	if strings.HasPrefix(c.ConfigDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("config: failed to get user home directory: %v", err)
		}
		c.ConfigDir = filepath.Join(home, c.ConfigDir[2:])
	}

	if c.PromptTimeout < 0 {
		return fmt.Errorf("config: prompt_timeout cannot be negative")
	} else if c.PromptTimeout == 0 {
		c.PromptTimeout = gsa.DefaultPromptTimeout
	}

	if c.Anisette.Server == "" {
		c.Anisette.Server = anisette.DefaultServerURL
	}
	if c.GSA.URL == "" {
		c.GSA.URL = gsa.DefaultURL
	}
	if c.Developer.URL == "" {
		c.Developer.URL = developer.DefaultURL
	}
	if c.MachineName == "" {
		c.MachineName = DefaultMachineName
	}
	if c.AppGroupFeature == "" {
		c.AppGroupFeature = developer.FeatureAppGroups
	}
	if c.Keyring.Service == "" {
		c.Keyring.Service = anisette.DefaultService
	}
	if c.Signer.Path == "" {
		c.Signer.Path = DefaultSignerPath
	}
	if c.Locale == "" {
		c.Locale = anisette.DefaultLocale
	}

	platform, err := developer.ParsePlatform(c.Platform)
	if err != nil {
		return fmt.Errorf("config: %v", err)
	}
	c.Platform = platform.String()

	if c.Proxy != "" {
		if _, err := url.Parse(c.Proxy); err != nil {
			return fmt.Errorf("config: bad proxy url: %v", err)
		}
	}

	for name, u := range map[string]string{
		"anisette.server": c.Anisette.Server,
		"gsa.url":         c.GSA.URL,
		"developer.url":   c.Developer.URL,
	} {
		if !strings.HasPrefix(u, "https://") && !strings.HasPrefix(u, "http://") {
			return fmt.Errorf("config: %s must be an http(s) URL: %q", name, u)
		}
	}

	return nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	var c *Config

	if err := viper.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}
	if c == nil {
		c = &Config{}
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}

// AnisetteConfig returns the anisette provider configuration
func (c *Config) AnisetteConfig() *anisette.Config {
	return &anisette.Config{
		ServerURL: c.Anisette.Server,
		LookupURL: c.GSA.URL + "/grandslam/GsService2/lookup",
		Service:   c.Keyring.Service,
		Locale:    c.Locale,
		Proxy:     c.Proxy,
		Insecure:  c.Insecure,
	}
}

// GSAConfig returns the Grand Slam client configuration
func (c *Config) GSAConfig() *gsa.Config {
	return &gsa.Config{
		URL:           c.GSA.URL,
		PromptTimeout: c.PromptTimeout,
		Proxy:         c.Proxy,
		Insecure:      c.Insecure,
	}
}

// DeveloperConfig returns the Developer Services client configuration
func (c *Config) DeveloperConfig() *developer.Config {
	return &developer.Config{
		URL:      c.Developer.URL,
		Locale:   c.Locale,
		Proxy:    c.Proxy,
		Insecure: c.Insecure,
	}
}

// DevicePlatform returns the device family Developer Services calls are scoped to
func (c *Config) DevicePlatform() developer.Platform {
	p, _ := developer.ParsePlatform(c.Platform)
	return p
}

// SecretConfig returns the keyring configuration
func (c *Config) SecretConfig() *secret.Config {
	return &secret.Config{
		Backend:      c.Keyring.Backend,
		FileDir:      filepath.Join(c.ConfigDir, "keyring"),
		FilePassword: c.Keyring.Password,
	}
}
