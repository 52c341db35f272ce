package embedder

import (
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/billm/baaaht/ipcore/pkg/types"
)

// PlatformChannelPair is a connected pair of unix stream sockets. One end
// stays in this process; the other is handed to a peer.
type PlatformChannelPair struct {
	server PlatformHandle
	client PlatformHandle
}

// NewPlatformChannelPair creates a connected socket pair
func NewPlatformChannelPair() (*PlatformChannelPair, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create socket pair", err)
	}
	return &PlatformChannelPair{
		server: NewPlatformHandle(fds[0]),
		client: NewPlatformHandle(fds[1]),
	}, nil
}

// PassServerHandle transfers ownership of the local end
func (p *PlatformChannelPair) PassServerHandle() PlatformHandle {
	h := p.server
	p.server = PlatformHandle{}
	return h
}

// PassClientHandle transfers ownership of the end meant for the peer
func (p *PlatformChannelPair) PassClientHandle() PlatformHandle {
	h := p.client
	p.client = PlatformHandle{}
	return h
}

// Close closes whichever ends have not been passed on
func (p *PlatformChannelPair) Close() error {
	return multierr.Append(p.server.Close(), p.client.Close())
}
