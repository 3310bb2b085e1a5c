package hostfunc

import (
	"fmt"
	"path/filepath"
	"strings"
)

// MountMode defines the permission level for a mount point.
type MountMode int

const (
	// MountReadOnly allows only read operations.
	MountReadOnly MountMode = iota
	// MountReadWrite allows reads and writes.
	MountReadWrite
)

func (m MountMode) String() string {
	switch m {
	case MountReadOnly:
		return "ro"
	case MountReadWrite:
		return "rw"
	default:
		return fmt.Sprintf("MountMode(%d)", int(m))
	}
}

// Mount maps a host directory into the guest's WASI filesystem.
type Mount struct {
	GuestPath string // Path as seen by the module (e.g., "/data")
	HostPath  string // Actual path on host filesystem
	Mode      MountMode
}

// Normalize returns m with a rooted guest path and an absolute host path.
func (m Mount) Normalize() (Mount, error) {
	if m.HostPath == "" {
		return Mount{}, fmt.Errorf("mount %q: host path required", m.GuestPath)
	}
	hp, err := filepath.Abs(m.HostPath)
	if err != nil {
		return Mount{}, fmt.Errorf("mount %q: %w", m.GuestPath, err)
	}
	return Mount{
		GuestPath: "/" + strings.Trim(m.GuestPath, "/"),
		HostPath:  hp,
		Mode:      m.Mode,
	}, nil
}

// ParseMount parses "guest:host:mode" where mode is ro or rw.
func ParseMount(spec string) (Mount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return Mount{}, fmt.Errorf("invalid mount spec %q (expected guest:host:mode)", spec)
	}

	mode, err := ParseMountMode(parts[2])
	if err != nil {
		return Mount{}, err
	}

	return Mount{
		GuestPath: parts[0],
		HostPath:  parts[1],
		Mode:      mode,
	}, nil
}

// ParseMountMode parses ro or rw.
func ParseMountMode(s string) (MountMode, error) {
	switch s {
	case "ro", "":
		return MountReadOnly, nil
	case "rw":
		return MountReadWrite, nil
	default:
		return 0, fmt.Errorf("invalid mount mode %q (expected ro or rw)", s)
	}
}
