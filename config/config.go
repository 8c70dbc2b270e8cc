package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/toolgate/paths"
	"github.com/zhubert/toolgate/tool"
)

// Config is the declarative gateway configuration stored in toolgate.yaml.
type Config struct {
	Servers       []ServerConfig                               `yaml:"servers"`
	Permissions   []PermissionConfig                           `yaml:"permissions,omitempty"`
	DefaultPolicy map[tool.RiskLevel]tool.ApprovalRequirement `yaml:"default_policy,omitempty"`

	Shell      ShellConfig      `yaml:"shell"`
	Filesystem FilesystemConfig `yaml:"filesystem"`
	SSH        SSHConfig        `yaml:"ssh"`
	Audit      AuditConfig      `yaml:"audit"`
	Approval   ApprovalConfig   `yaml:"approval"`
	Redis      RedisConfig      `yaml:"redis,omitempty"`

	Debug bool `yaml:"debug,omitempty"`

	mu       sync.RWMutex
	filePath string
}

// ServerConfig describes one backend server.
type ServerConfig struct {
	Name           string          `yaml:"name"`
	Description    string          `yaml:"description,omitempty"`
	Category       string          `yaml:"category,omitempty"`
	RiskLevel      tool.RiskLevel  `yaml:"risk_level"`
	Enabled        *bool           `yaml:"enabled,omitempty"` // nil means enabled
	MaxConcurrency int             `yaml:"max_concurrency,omitempty"`
	Transport      TransportConfig `yaml:"transport"`
}

// IsEnabled reports the server's enabled flag, defaulting to true.
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Transport kinds.
const (
	TransportStdio   = "stdio"
	TransportSocket  = "socket"
	TransportBuiltin = "builtin"
)

// TransportConfig tells the registry how to reach a server.
type TransportConfig struct {
	Type string `yaml:"type"`

	// stdio
	Command     string            `yaml:"command,omitempty"`
	Args        []string          `yaml:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	WorkDir     string            `yaml:"work_dir,omitempty"`
	StopTimeout time.Duration     `yaml:"stop_timeout,omitempty"`

	// socket
	Network string `yaml:"network,omitempty"`
	Address string `yaml:"address,omitempty"`

	// builtin: shell, filesystem or remote
	Backend string `yaml:"backend,omitempty"`

	CallTimeout time.Duration `yaml:"call_timeout,omitempty"`
}

// PermissionConfig is one (server, tool) authorization entry. Tool "*"
// applies to every tool on the server that has no entry of its own.
type PermissionConfig struct {
	Server       string                   `yaml:"server"`
	Tool         string                   `yaml:"tool"`
	RiskLevel    tool.RiskLevel           `yaml:"risk_level,omitempty"`
	Approval     tool.ApprovalRequirement `yaml:"approval,omitempty"`
	AllowedRoles []string                 `yaml:"allowed_roles,omitempty"`
	DeniedRoles  []string                 `yaml:"denied_roles,omitempty"`
	Conditions   []ConditionConfig        `yaml:"conditions,omitempty"`
}

// ConditionConfig is a predicate over a call argument or call-context value.
type ConditionConfig struct {
	Key      string `yaml:"key"`
	Source   string `yaml:"source,omitempty"` // "argument" (default) or "context"
	Operator string `yaml:"op"`
	Value    any    `yaml:"value,omitempty"`
}

type ShellConfig struct {
	Shell           string            `yaml:"shell,omitempty"`
	ShellArgs       []string          `yaml:"shell_args,omitempty"`
	WorkDir         string            `yaml:"work_dir,omitempty"`
	Timeout         time.Duration     `yaml:"timeout,omitempty"`
	MaxTimeout      time.Duration     `yaml:"max_timeout,omitempty"`
	GracePeriod     time.Duration     `yaml:"grace_period,omitempty"`
	MaxOutputBytes  int               `yaml:"max_output_bytes,omitempty"`
	AllowedCommands []string          `yaml:"allowed_commands,omitempty"`
	BlockedPatterns []string          `yaml:"blocked_patterns,omitempty"`
	Env             map[string]string `yaml:"env,omitempty"`
}

type FilesystemConfig struct {
	AllowedRoots      []string `yaml:"allowed_roots,omitempty"`
	AllowedExtensions []string `yaml:"allowed_extensions,omitempty"`
	MaxFileSize       int64    `yaml:"max_file_size,omitempty"`
	MaxReadSize       int64    `yaml:"max_read_size,omitempty"`
	Backup            *bool    `yaml:"backup,omitempty"` // nil means true
	BackupDir         string   `yaml:"backup_dir,omitempty"`
}

// BackupEnabled reports whether writes keep a timestamped copy of the file
// they overwrite.
func (f FilesystemConfig) BackupEnabled() bool {
	return f.Backup == nil || *f.Backup
}

type SSHConfig struct {
	MaxConnections        int             `yaml:"max_connections,omitempty"`
	AcquireTimeout        time.Duration   `yaml:"acquire_timeout,omitempty"`
	ConnectTimeout        time.Duration   `yaml:"connect_timeout,omitempty"`
	IdleTimeout           time.Duration   `yaml:"idle_timeout,omitempty"`
	CommandTimeout        time.Duration   `yaml:"command_timeout,omitempty"`
	TransferTimeout       time.Duration   `yaml:"transfer_timeout,omitempty"`
	MaxTransferBytes      int64           `yaml:"max_transfer_bytes,omitempty"`
	MaxOutputBytes        int             `yaml:"max_output_bytes,omitempty"`
	KnownHostsFile        string          `yaml:"known_hosts_file,omitempty"`
	InsecureIgnoreHostKey bool            `yaml:"insecure_ignore_host_key,omitempty"`
	Hosts                 []SSHHostConfig `yaml:"hosts,omitempty"`
}

// SSHHostConfig is a remote host the SSH backend may reach. Tools address
// hosts by Name only.
type SSHHostConfig struct {
	Name        string `yaml:"name"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port,omitempty"`
	User        string `yaml:"user"`
	KeyFile     string `yaml:"key_file,omitempty"`
	Password    string `yaml:"password,omitempty"`
	PasswordEnv string `yaml:"password_env,omitempty"`
}

type AuditConfig struct {
	CacheSize     int           `yaml:"cache_size,omitempty"`
	SensitiveKeys []string      `yaml:"sensitive_keys,omitempty"`
	BufferSize    int           `yaml:"buffer_size,omitempty"`
	BatchSize     int           `yaml:"batch_size,omitempty"`
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

type ApprovalConfig struct {
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	CacheSize int           `yaml:"cache_size,omitempty"`
}

// RedisConfig enables the durable store when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// Defaults.
const (
	DefaultShellTimeout     = 30 * time.Second
	DefaultShellMaxTimeout  = 10 * time.Minute
	DefaultGracePeriod      = 2 * time.Second
	DefaultMaxOutputBytes   = 1 << 20
	DefaultMaxFileSize      = 10 << 20
	DefaultMaxConnections   = 10
	DefaultAcquireTimeout   = 30 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultIdleTimeout      = 5 * time.Minute
	DefaultCommandTimeout   = 60 * time.Second
	DefaultTransferTimeout  = 5 * time.Minute
	DefaultMaxTransferBytes = 50 << 20
	DefaultAuditCacheSize   = 10000
	DefaultAuditBufferSize  = 1024
	DefaultAuditBatchSize   = 100
	DefaultFlushInterval    = time.Second
	DefaultApprovalTimeout  = time.Hour
	DefaultApprovalCache    = 1000
	DefaultRedisPrefix      = "toolgate:"
)

// Default returns a config with every default filled in and no servers.
func Default() *Config {
	c := &Config{}
	c.ensureInitialized()
	return c
}

// Load reads the config from the default location. A missing file yields
// the defaults.
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	envPath, err := paths.EnvFilePath()
	if err != nil {
		return nil, err
	}
	if err := LoadEnvFile(envPath); err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads the config at path, applies TOOLGATE_* environment
// overrides and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{filePath: path}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.ensureInitialized()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a config from YAML bytes without touching the filesystem or
// the environment.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ensureInitialized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ensureInitialized fills defaults for every unset field.
//
// Not thread-safe: only called while the Config is still private to the
// goroutine that built it.
func (c *Config) ensureInitialized() {
	if c.Servers == nil {
		c.Servers = []ServerConfig{}
	}
	if c.DefaultPolicy == nil {
		c.DefaultPolicy = make(map[tool.RiskLevel]tool.ApprovalRequirement)
	}
	for _, r := range []tool.RiskLevel{tool.RiskLow, tool.RiskMedium, tool.RiskHigh} {
		if c.DefaultPolicy[r] == "" {
			c.DefaultPolicy[r] = tool.DefaultApproval(r)
		}
	}

	for i := range c.Servers {
		s := &c.Servers[i]
		if s.RiskLevel == "" {
			s.RiskLevel = tool.RiskHigh
		}
		if s.Transport.Type == TransportSocket && s.Transport.Network == "" {
			s.Transport.Network = "unix"
		}
	}

	sh := &c.Shell
	if sh.Shell == "" {
		sh.Shell = "/bin/sh"
	}
	if sh.ShellArgs == nil {
		sh.ShellArgs = []string{"-c"}
	}
	setDuration(&sh.Timeout, DefaultShellTimeout)
	setDuration(&sh.MaxTimeout, DefaultShellMaxTimeout)
	setDuration(&sh.GracePeriod, DefaultGracePeriod)
	if sh.MaxOutputBytes <= 0 {
		sh.MaxOutputBytes = DefaultMaxOutputBytes
	}

	if c.Filesystem.MaxFileSize <= 0 {
		c.Filesystem.MaxFileSize = DefaultMaxFileSize
	}
	if c.Filesystem.MaxReadSize <= 0 {
		c.Filesystem.MaxReadSize = c.Filesystem.MaxFileSize
	}

	ssh := &c.SSH
	if ssh.MaxConnections <= 0 {
		ssh.MaxConnections = DefaultMaxConnections
	}
	setDuration(&ssh.AcquireTimeout, DefaultAcquireTimeout)
	setDuration(&ssh.ConnectTimeout, DefaultConnectTimeout)
	setDuration(&ssh.IdleTimeout, DefaultIdleTimeout)
	setDuration(&ssh.CommandTimeout, DefaultCommandTimeout)
	setDuration(&ssh.TransferTimeout, DefaultTransferTimeout)
	if ssh.MaxTransferBytes <= 0 {
		ssh.MaxTransferBytes = DefaultMaxTransferBytes
	}
	if ssh.MaxOutputBytes <= 0 {
		ssh.MaxOutputBytes = DefaultMaxOutputBytes
	}
	for i := range ssh.Hosts {
		if ssh.Hosts[i].Port == 0 {
			ssh.Hosts[i].Port = 22
		}
	}

	if c.Audit.CacheSize <= 0 {
		c.Audit.CacheSize = DefaultAuditCacheSize
	}
	if c.Audit.BufferSize <= 0 {
		c.Audit.BufferSize = DefaultAuditBufferSize
	}
	if c.Audit.BatchSize <= 0 {
		c.Audit.BatchSize = DefaultAuditBatchSize
	}
	setDuration(&c.Audit.FlushInterval, DefaultFlushInterval)

	setDuration(&c.Approval.Timeout, DefaultApprovalTimeout)
	if c.Approval.CacheSize <= 0 {
		c.Approval.CacheSize = DefaultApprovalCache
	}

	if c.Redis.Prefix == "" {
		c.Redis.Prefix = DefaultRedisPrefix
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("server with empty name found")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate server: %s", s.Name)
		}
		seen[s.Name] = true

		if !s.RiskLevel.Valid() {
			return fmt.Errorf("server %s: invalid risk level %q", s.Name, s.RiskLevel)
		}
		if s.MaxConcurrency < 0 {
			return fmt.Errorf("server %s: max_concurrency must not be negative", s.Name)
		}
		if err := s.Transport.validate(); err != nil {
			return fmt.Errorf("server %s: %w", s.Name, err)
		}
	}

	for _, p := range c.Permissions {
		if p.Server == "" || p.Tool == "" {
			return fmt.Errorf("permission entry needs both server and tool")
		}
		for _, cond := range p.Conditions {
			if cond.Key == "" || cond.Operator == "" {
				return fmt.Errorf("permission %s/%s: condition needs key and op", p.Server, p.Tool)
			}
			if cond.Source != "" && cond.Source != "argument" && cond.Source != "context" {
				return fmt.Errorf("permission %s/%s: unknown condition source %q", p.Server, p.Tool, cond.Source)
			}
		}
	}

	roots := c.Filesystem.AllowedRoots
	for i, root := range roots {
		if root == "" {
			return fmt.Errorf("empty filesystem root found")
		}
		for j := i + 1; j < len(roots); j++ {
			if SamePath(root, roots[j]) {
				return fmt.Errorf("duplicate filesystem root: %s", root)
			}
		}
	}

	hosts := make(map[string]bool, len(c.SSH.Hosts))
	for _, h := range c.SSH.Hosts {
		if h.Name == "" || h.Host == "" || h.User == "" {
			return fmt.Errorf("ssh host entries need name, host and user")
		}
		if hosts[h.Name] {
			return fmt.Errorf("duplicate ssh host: %s", h.Name)
		}
		hosts[h.Name] = true
	}

	if c.Shell.Timeout > c.Shell.MaxTimeout && c.Shell.MaxTimeout > 0 {
		return fmt.Errorf("shell timeout %s exceeds max_timeout %s", c.Shell.Timeout, c.Shell.MaxTimeout)
	}
	return nil
}

func (t TransportConfig) validate() error {
	switch t.Type {
	case TransportStdio:
		if t.Command == "" {
			return fmt.Errorf("stdio transport requires a command")
		}
	case TransportSocket:
		if t.Address == "" {
			return fmt.Errorf("socket transport requires an address")
		}
		if t.Network != "unix" && t.Network != "tcp" {
			return fmt.Errorf("unsupported socket network %q", t.Network)
		}
	case TransportBuiltin:
		switch t.Backend {
		case "shell", "filesystem", "remote":
		default:
			return fmt.Errorf("unknown builtin backend %q", t.Backend)
		}
	default:
		return fmt.Errorf("unknown transport type %q", t.Type)
	}
	return nil
}

// Save writes the config to its file path as YAML.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.filePath == "" {
		return fmt.Errorf("config has no file path")
	}
	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(c.filePath, data, 0644)
}

// SetFilePath sets the file Save writes to.
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// FilePath returns the file the config was loaded from.
func (c *Config) FilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}
