package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables that override file settings.
const (
	EnvRedisAddr       = "TOOLGATE_REDIS_ADDR"
	EnvRedisPassword   = "TOOLGATE_REDIS_PASSWORD"
	EnvRedisDB         = "TOOLGATE_REDIS_DB"
	EnvDebug           = "TOOLGATE_DEBUG"
	EnvApprovalTimeout = "TOOLGATE_APPROVAL_TIMEOUT"
	EnvShellTimeout    = "TOOLGATE_SHELL_TIMEOUT"
)

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays TOOLGATE_* variables onto the decoded file.
func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv(EnvRedisDB); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvRedisDB, err)
		}
		c.Redis.DB = db
	}
	if v := os.Getenv(EnvDebug); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvDebug, err)
		}
		c.Debug = debug
	}
	if err := envDuration(EnvApprovalTimeout, &c.Approval.Timeout); err != nil {
		return err
	}
	return envDuration(EnvShellTimeout, &c.Shell.Timeout)
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}

// ResolvePassword resolves the host's password, preferring PasswordEnv.
func (h SSHHostConfig) ResolvePassword() string {
	if h.PasswordEnv != "" {
		if v := os.Getenv(h.PasswordEnv); v != "" {
			return v
		}
	}
	return h.Password
}
