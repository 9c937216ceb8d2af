package daemon

import (
	"fmt"

	"github.com/yllada/tunnelctl/common"
)

// Options selects and configures a backend.
type Options struct {
	// Backend is one of common.BackendLocalSocket, common.BackendDBus or
	// common.BackendFake. Empty means local socket.
	Backend      string
	SocketPath   string
	FallbackPath string
	Multihop     bool
	Logger       common.Logger
}

// New builds the backend named in opts.
func New(opts Options) (Backend, error) {
	switch opts.Backend {
	case "", common.BackendLocalSocket:
		return NewLocalSocket(LocalSocketOptions{
			Path:         opts.SocketPath,
			FallbackPath: opts.FallbackPath,
			Multihop:     opts.Multihop,
			Logger:       opts.Logger,
		}), nil
	case common.BackendDBus:
		return NewDBus(opts.Multihop, opts.Logger), nil
	case common.BackendFake:
		f := NewFake(opts.Multihop)
		f.AutoInitialize = true
		f.AutoConnect = true
		return f, nil
	default:
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownBackend, opts.Backend)
	}
}
