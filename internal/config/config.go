package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration of the client.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Gateway GatewayConfig `yaml:"gateway"`
	Cognito CognitoConfig `yaml:"cognito"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig holds the web UI listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// GatewayConfig locates the analysis API.
type GatewayConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// CognitoConfig identifies the user pool app client.
type CognitoConfig struct {
	Region       string `yaml:"region"`
	UserPoolID   string `yaml:"userPoolId"`
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
	Endpoint     string `yaml:"endpoint"`
}

// SessionConfig controls browser sessions.
type SessionConfig struct {
	CookieName  string        `yaml:"cookieName"`
	HashKey     string        `yaml:"hashKey"`
	BlockKey    string        `yaml:"blockKey"`
	Secure      bool          `yaml:"secure"`
	IdleTimeout time.Duration `yaml:"idleTimeout"`
}

// LogConfig sets the minimum log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Gateway: GatewayConfig{
			Timeout: 30 * time.Second,
		},
		Session: SessionConfig{
			CookieName:  "aicheck_session",
			IdleTimeout: 30 * time.Minute,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path
// and the environment. Variables from envFile (".env" when empty) fill in
// anything the process environment does not already set.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error

	setString(&c.Server.Addr, "SERVER_ADDR")
	errs = append(errs, setDuration(&c.Server.ShutdownTimeout, "SERVER_SHUTDOWN_TIMEOUT"))

	setString(&c.Gateway.URL, "GATEWAY_URL")
	errs = append(errs, setDuration(&c.Gateway.Timeout, "GATEWAY_TIMEOUT"))

	setString(&c.Cognito.Region, "COGNITO_REGION")
	setString(&c.Cognito.UserPoolID, "COGNITO_USER_POOL_ID")
	setString(&c.Cognito.ClientID, "COGNITO_CLIENT_ID")
	setString(&c.Cognito.ClientSecret, "COGNITO_CLIENT_SECRET")
	setString(&c.Cognito.Endpoint, "COGNITO_ENDPOINT")

	setString(&c.Session.CookieName, "SESSION_COOKIE_NAME")
	setString(&c.Session.HashKey, "SESSION_HASH_KEY")
	setString(&c.Session.BlockKey, "SESSION_BLOCK_KEY")
	errs = append(errs, setBool(&c.Session.Secure, "SESSION_SECURE"))
	errs = append(errs, setDuration(&c.Session.IdleTimeout, "SESSION_IDLE_TIMEOUT"))

	setString(&c.Log.Level, "LOG_LEVEL")

	return errors.Join(errs...)
}

// ValidateClient checks what every command talking to the backend needs.
func (c *Config) ValidateClient() error {
	var errs []error

	if c.Gateway.URL == "" {
		errs = append(errs, errors.New("GATEWAY_URL is required"))
	} else if u, err := url.Parse(c.Gateway.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("GATEWAY_URL must be an absolute URL (got: %s)", c.Gateway.URL))
	}
	if c.Gateway.Timeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_TIMEOUT must be positive"))
	}

	if c.Cognito.ClientID == "" {
		errs = append(errs, errors.New("COGNITO_CLIENT_ID is required"))
	}
	if c.Cognito.Region == "" && !strings.Contains(c.Cognito.UserPoolID, "_") {
		errs = append(errs, errors.New("COGNITO_REGION is required unless COGNITO_USER_POOL_ID carries the region"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%w", errors.Join(errs...))
	}
	return nil
}

// ValidateServer checks the web UI settings on top of ValidateClient.
func (c *Config) ValidateServer() error {
	var errs []error
	if err := c.ValidateClient(); err != nil {
		errs = append(errs, err)
	}

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("SERVER_ADDR is required"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SERVER_SHUTDOWN_TIMEOUT must be positive"))
	}
	if c.Session.IdleTimeout <= 0 {
		errs = append(errs, errors.New("SESSION_IDLE_TIMEOUT must be positive"))
	}
	if n := len(c.Session.HashKey); n != 0 && n < 32 {
		errs = append(errs, errors.New("SESSION_HASH_KEY must be at least 32 characters"))
	}
	switch len(c.Session.BlockKey) {
	case 0, 16, 24, 32:
	default:
		errs = append(errs, errors.New("SESSION_BLOCK_KEY must be 16, 24 or 32 characters"))
	}

	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*dst = value
	}
}

func setDuration(dst *time.Duration, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func setBool(dst *bool, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}
