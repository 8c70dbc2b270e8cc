package transport

import (
	"fmt"

	"github.com/zhubert/toolgate/config"
	"github.com/zhubert/toolgate/mcp"
)

// EngineFactory builds the engine for a builtin backend by name.
type EngineFactory func(backend string) (*mcp.Engine, error)

// FromConfig builds an unstarted transport for the named server. engines may
// be nil when no builtin servers are configured.
func FromConfig(name string, cfg config.TransportConfig, engines EngineFactory) (Transport, error) {
	switch cfg.Type {
	case config.TransportStdio:
		return NewStdio(StdioConfig{
			Name:        name,
			Command:     cfg.Command,
			Args:        cfg.Args,
			Env:         cfg.Env,
			Dir:         cfg.WorkDir,
			StopTimeout: cfg.StopTimeout,
		}), nil
	case config.TransportSocket:
		return NewSocket(name, cfg.Network, cfg.Address), nil
	case config.TransportBuiltin:
		if engines == nil {
			return nil, fmt.Errorf("%s: no builtin backends available", name)
		}
		engine, err := engines(cfg.Backend)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return NewInProcess(engine), nil
	}
	return nil, fmt.Errorf("%s: unknown transport type %q", name, cfg.Type)
}
