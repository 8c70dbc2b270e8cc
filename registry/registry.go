// Package registry tracks the backend servers the gateway knows about and,
// for each connected server, the tools it published at connect time.
//
// Server metadata is mutable through Register, Enable and Disable. A
// connected server's tool index is immutable: it is built once from
// tools/list and replaced wholesale on reconnect.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/zhubert/toolgate/config"
	"github.com/zhubert/toolgate/logger"
	"github.com/zhubert/toolgate/tool"
	"github.com/zhubert/toolgate/transport"
)

var (
	ErrNotFound          = errors.New("server not found")
	ErrAlreadyRegistered = errors.New("server already registered")
	ErrConnected         = errors.New("server is connected")
	ErrNotConnected      = errors.New("server is not connected")
	ErrDisabled          = errors.New("server is disabled")
	ErrToolNotFound      = errors.New("tool not found")
)

// ServerMetadata describes one registered backend.
type ServerMetadata struct {
	Name           string
	Description    string
	Category       string
	RiskLevel      tool.RiskLevel
	Enabled        bool
	MaxConcurrency int
	Transport      config.TransportConfig
}

// MetadataFromConfig converts a config entry.
func MetadataFromConfig(s config.ServerConfig) ServerMetadata {
	risk := s.RiskLevel
	if risk == "" {
		risk = tool.RiskHigh
	}
	return ServerMetadata{
		Name:           s.Name,
		Description:    s.Description,
		Category:       s.Category,
		RiskLevel:      risk,
		Enabled:        s.IsEnabled(),
		MaxConcurrency: s.MaxConcurrency,
		Transport:      s.Transport,
	}
}

// Config converts the metadata back to its config form.
func (m ServerMetadata) Config() config.ServerConfig {
	enabled := m.Enabled
	return config.ServerConfig{
		Name:           m.Name,
		Description:    m.Description,
		Category:       m.Category,
		RiskLevel:      m.RiskLevel,
		Enabled:        &enabled,
		MaxConcurrency: m.MaxConcurrency,
		Transport:      m.Transport,
	}
}

// TransportFactory builds an unstarted transport for a server.
type TransportFactory func(meta ServerMetadata) (transport.Transport, error)

// Registry is safe for concurrent use.
type Registry struct {
	factory TransportFactory
	log     *slog.Logger

	mu      sync.RWMutex
	servers map[string]*ServerMetadata
	order   []string
	conns   map[string]*connection
	locks   map[string]*sync.Mutex // serialises Connect/Disconnect per server
}

// New creates an empty registry.
func New(factory TransportFactory) *Registry {
	return &Registry{
		factory: factory,
		log:     logger.WithComponent("registry"),
		servers: make(map[string]*ServerMetadata),
		conns:   make(map[string]*connection),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Register adds a server. Names are unique.
func (r *Registry) Register(meta ServerMetadata) error {
	if meta.Name == "" {
		return fmt.Errorf("server name is required")
	}
	if meta.RiskLevel == "" {
		meta.RiskLevel = tool.RiskHigh
	}
	if !meta.RiskLevel.Valid() {
		return fmt.Errorf("server %s: invalid risk level %q", meta.Name, meta.RiskLevel)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[meta.Name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, meta.Name)
	}
	m := meta
	r.servers[meta.Name] = &m
	r.order = append(r.order, meta.Name)
	r.log.Info("server registered", "server", meta.Name, "risk", meta.RiskLevel, "transport", meta.Transport.Type)
	return nil
}

// Unregister removes a server. Connected servers must be disconnected first.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if _, ok := r.conns[name]; ok {
		return fmt.Errorf("%w: %s: disconnect first", ErrConnected, name)
	}
	delete(r.servers, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	r.log.Info("server unregistered", "server", name)
	return nil
}

// Enable marks a server enabled.
func (r *Registry) Enable(name string) error { return r.setEnabled(name, true) }

// Disable marks a server disabled. An existing connection stays open but
// refuses calls until the server is enabled again or disconnected.
func (r *Registry) Disable(name string) error { return r.setEnabled(name, false) }

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.servers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	m.Enabled = enabled
	r.log.Info("server enabled state changed", "server", name, "enabled", enabled)
	return nil
}

// Get returns a copy of a server's metadata.
func (r *Registry) Get(name string) (ServerMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.servers[name]
	if !ok {
		return ServerMetadata{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return *m, nil
}

// ListServers returns servers in registration order.
func (r *Registry) ListServers(enabledOnly bool) []ServerMetadata {
	return r.filter(func(m *ServerMetadata) bool { return !enabledOnly || m.Enabled })
}

// ServersByRiskLevel returns enabled servers whose risk level is at most max.
func (r *Registry) ServersByRiskLevel(max tool.RiskLevel) []ServerMetadata {
	return r.filter(func(m *ServerMetadata) bool { return m.Enabled && m.RiskLevel.AtMost(max) })
}

// ServersByCategory returns servers in category, enabled or not.
func (r *Registry) ServersByCategory(category string) []ServerMetadata {
	return r.filter(func(m *ServerMetadata) bool { return m.Category == category })
}

func (r *Registry) filter(keep func(*ServerMetadata) bool) []ServerMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerMetadata, 0, len(r.order))
	for _, name := range r.order {
		if m := r.servers[name]; keep(m) {
			out = append(out, *m)
		}
	}
	return out
}

// IsConnected reports whether name has a live connection.
func (r *Registry) IsConnected(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[name]
	return ok
}

// Connected returns the names of connected servers in registration order.
func (r *Registry) Connected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, name := range r.order {
		if _, ok := r.conns[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

func (r *Registry) serverLock(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	return l
}

// LoadConfig makes the registry's server set match cfg. New servers are
// registered, existing ones have their metadata replaced (a transport change
// takes effect on the next connect) and servers no longer listed are
// disconnected and unregistered.
func (r *Registry) LoadConfig(cfg *config.Config) error {
	servers := cfg.GetServers()
	wanted := make(map[string]bool, len(servers))
	for _, s := range servers {
		wanted[s.Name] = true
	}

	for _, m := range r.ListServers(false) {
		if wanted[m.Name] {
			continue
		}
		if err := r.Disconnect(m.Name); err != nil {
			r.log.Warn("disconnect during reload failed", "server", m.Name, "error", err)
		}
		if err := r.Unregister(m.Name); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	for _, s := range servers {
		meta := MetadataFromConfig(s)
		r.mu.Lock()
		existing, ok := r.servers[meta.Name]
		if ok {
			*existing = meta
		}
		r.mu.Unlock()
		if ok {
			continue
		}
		if err := r.Register(meta); err != nil {
			return err
		}
	}
	return nil
}

// SaveConfig writes the registry's servers into cfg and saves it. A
// non-empty path overrides the file cfg was loaded from.
func (r *Registry) SaveConfig(cfg *config.Config, path string) error {
	servers := r.ListServers(false)
	out := make([]config.ServerConfig, 0, len(servers))
	for _, m := range servers {
		out = append(out, m.Config())
	}
	cfg.ReplaceServers(out)
	if path != "" {
		cfg.SetFilePath(path)
	}
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	return nil
}
