package gateway

import (
	"fmt"

	"github.com/zhubert/toolgate/backend/filesystem"
	"github.com/zhubert/toolgate/backend/remote"
	"github.com/zhubert/toolgate/backend/shell"
	"github.com/zhubert/toolgate/config"
	"github.com/zhubert/toolgate/mcp"
	"github.com/zhubert/toolgate/transport"
)

// Builtin backend names.
const (
	BackendShell      = "shell"
	BackendFilesystem = "filesystem"
	BackendRemote     = "remote"
)

// Builtin is an engine serving one of the bundled backends.
type Builtin struct {
	Engine *mcp.Engine
	close  func() error
}

// Close releases the backend's resources, such as pooled SSH connections.
func (b *Builtin) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// NewBuiltin builds the named bundled backend from cfg.
func NewBuiltin(cfg *config.Config, name string, opts ...remote.Option) (*Builtin, error) {
	engine := mcp.NewEngine("toolgate-"+name, transport.ClientVersion)
	b := &Builtin{Engine: engine}

	switch name {
	case BackendShell:
		sh, err := shell.New(cfg.Shell)
		if err != nil {
			return nil, fmt.Errorf("shell backend: %w", err)
		}
		if err := sh.Register(engine); err != nil {
			return nil, err
		}
	case BackendFilesystem:
		fs, err := filesystem.New(cfg.Filesystem)
		if err != nil {
			return nil, fmt.Errorf("filesystem backend: %w", err)
		}
		if err := fs.Register(engine); err != nil {
			return nil, err
		}
	case BackendRemote:
		policy, err := shell.NewPolicy(cfg.Shell.BlockedPatterns, nil)
		if err != nil {
			return nil, fmt.Errorf("remote backend: %w", err)
		}
		rb, err := remote.New(cfg.SSH, append([]remote.Option{remote.WithPolicy(policy)}, opts...)...)
		if err != nil {
			return nil, fmt.Errorf("remote backend: %w", err)
		}
		if err := rb.Register(engine); err != nil {
			rb.Close()
			return nil, err
		}
		b.close = rb.Close
	default:
		return nil, fmt.Errorf("unknown builtin backend %q", name)
	}
	return b, nil
}

// builtinTransport closes its backend when stopped.
type builtinTransport struct {
	*transport.InProcess
	backend *Builtin
}

func (t *builtinTransport) Stop() error {
	err := t.InProcess.Stop()
	if cerr := t.backend.Close(); err == nil {
		err = cerr
	}
	return err
}

var _ transport.Transport = (*builtinTransport)(nil)

