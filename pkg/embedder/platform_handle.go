package embedder

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/billm/baaaht/ipcore/pkg/types"
)

// PlatformHandle owns one OS file descriptor. The zero value is invalid.
type PlatformHandle struct {
	fd    int
	valid bool
}

// NewPlatformHandle takes ownership of fd
func NewPlatformHandle(fd int) PlatformHandle {
	if fd < 0 {
		return PlatformHandle{}
	}
	return PlatformHandle{fd: fd, valid: true}
}

// HandleFromFile duplicates the descriptor behind f. The caller keeps
// ownership of f.
func HandleFromFile(f *os.File) (PlatformHandle, error) {
	if f == nil {
		return PlatformHandle{}, types.NewError(types.ErrCodeInvalidArgument, "file cannot be nil")
	}
	fd, err := unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return PlatformHandle{}, types.WrapError(types.ErrCodeInternal, "failed to duplicate descriptor", err)
	}
	return NewPlatformHandle(fd), nil
}

// IsValid reports whether the handle owns a descriptor
func (h PlatformHandle) IsValid() bool {
	return h.valid
}

// FD returns the descriptor, or -1 if the handle is invalid
func (h PlatformHandle) FD() int {
	if !h.valid {
		return -1
	}
	return h.fd
}

// Release gives up ownership and returns the descriptor
func (h *PlatformHandle) Release() int {
	fd := h.FD()
	*h = PlatformHandle{}
	return fd
}

// Duplicate returns a new handle for the same open file
func (h PlatformHandle) Duplicate() (PlatformHandle, error) {
	if !h.valid {
		return PlatformHandle{}, types.NewError(types.ErrCodeInvalidArgument, "cannot duplicate an invalid handle")
	}
	fd, err := unix.FcntlInt(uintptr(h.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return PlatformHandle{}, types.WrapError(types.ErrCodeInternal, "failed to duplicate descriptor", err)
	}
	return NewPlatformHandle(fd), nil
}

// ToFile converts the handle into an *os.File, which then owns the descriptor
func (h *PlatformHandle) ToFile(name string) *os.File {
	if !h.valid {
		return nil
	}
	return os.NewFile(uintptr(h.Release()), name)
}

// Close closes the descriptor. Closing an invalid handle is a no-op.
func (h *PlatformHandle) Close() error {
	if !h.valid {
		return nil
	}
	fd := h.Release()
	if err := unix.Close(fd); err != nil {
		return types.WrapError(types.ErrCodeInternal, fmt.Sprintf("failed to close descriptor %d", fd), err)
	}
	return nil
}

// String returns a string representation of the handle
func (h PlatformHandle) String() string {
	if !h.valid {
		return "PlatformHandle{invalid}"
	}
	return fmt.Sprintf("PlatformHandle{fd: %d}", h.fd)
}

// CloseHandles closes every handle in hs
func CloseHandles(hs []PlatformHandle) {
	for i := range hs {
		hs[i].Close()
	}
}
