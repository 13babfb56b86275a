package conn

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MaxUnixPathLen is the longest path connect() will accept, one less than
// sizeof(sockaddr_un.sun_path) on Linux (spec §6: "path (≤ addr-max)").
const MaxUnixPathLen = 107

// DialUnix opens a non-blocking stream connection to a Unix-domain socket
// at path, for use as a Connection's fd (origin OriginOutboundConnect).
func DialUnix(path string) (int, error) {
	if len(path) > MaxUnixPathLen {
		return -1, fmt.Errorf("conn: path %q exceeds maximum unix socket path length (%d)", path, MaxUnixPathLen)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("conn: socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("conn: connect %q: %w", path, err)
	}
	return fd, nil
}
