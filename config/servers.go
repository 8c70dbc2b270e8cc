package config

import (
	"slices"

	"github.com/zhubert/toolgate/tool"
)

// AddServer appends a server (returns false if the name already exists).
func (c *Config) AddServer(server ServerConfig) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.Servers {
		if s.Name == server.Name {
			return false
		}
	}
	if server.RiskLevel == "" {
		server.RiskLevel = tool.RiskHigh
	}
	c.Servers = append(c.Servers, server)
	return true
}

// RemoveServer removes a server and every permission entry scoped to it.
func (c *Config) RemoveServer(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := slices.IndexFunc(c.Servers, func(s ServerConfig) bool { return s.Name == name })
	if i < 0 {
		return false
	}
	c.Servers = slices.Delete(c.Servers, i, i+1)
	c.Permissions = slices.DeleteFunc(c.Permissions, func(p PermissionConfig) bool { return p.Server == name })
	return true
}

// GetServer returns a copy of the named server.
func (c *Config) GetServer(name string) (ServerConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return ServerConfig{}, false
}

// GetServers returns a copy of all configured servers.
func (c *Config) GetServers() []ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	servers := make([]ServerConfig, len(c.Servers))
	copy(servers, c.Servers)
	return servers
}

// SetServerEnabled flips a server's enabled flag.
func (c *Config) SetServerEnabled(name string, enabled bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Servers {
		if c.Servers[i].Name == name {
			v := enabled
			c.Servers[i].Enabled = &v
			return true
		}
	}
	return false
}

// ReplaceServers swaps the whole server list, used when the registry
// persists its current state.
func (c *Config) ReplaceServers(servers []ServerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Servers = make([]ServerConfig, len(servers))
	copy(c.Servers, servers)
}

// SetPermission adds or replaces the entry for (server, tool).
func (c *Config) SetPermission(p PermissionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, existing := range c.Permissions {
		if existing.Server == p.Server && existing.Tool == p.Tool {
			c.Permissions[i] = p
			return
		}
	}
	c.Permissions = append(c.Permissions, p)
}

// GetPermissions returns a copy of the permission entries.
func (c *Config) GetPermissions() []PermissionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	perms := make([]PermissionConfig, len(c.Permissions))
	copy(perms, c.Permissions)
	return perms
}
