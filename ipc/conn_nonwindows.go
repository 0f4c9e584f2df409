//go:build !windows

package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
)

const (
	apiURL   = "http://unix"
	sockFile = "boxclient.sock"
)

var sockPath atomic.Value // string

func init() {
	sockPath.Store(sockFile) // default to current directory
}

// SetSocketPath sets the directory of the Unix domain socket used by the client calls.
func SetSocketPath(dir string) {
	sockPath.Store(filepath.Join(dir, sockFile))
}

func socketPath() string {
	return sockPath.Load().(string)
}

func currentUID() string {
	return strconv.Itoa(os.Getuid())
}

func dialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", socketPath())
}

// listen creates a Unix domain socket listener in dir, readable only by the current user.
func listen(dir string) (net.Listener, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, sockFile)
	os.Remove(path)
	listener, err := net.ListenUnix("unix", &net.UnixAddr{
		Name: path,
		Net:  "unix",
	})
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	// remove the socket file on close
	listener.SetUnlinkOnClose(true)
	return listener, nil
}

func getConnPeer(conn net.Conn) (p usr, err error) {
	uconn, ok := conn.(*net.UnixConn)
	if !ok {
		return p, fmt.Errorf("not a unix domain socket connection")
	}
	rawConn, err := uconn.SyscallConn()
	if err != nil {
		return p, fmt.Errorf("syscall conn: %w", err)
	}
	uid, err := getUid(rawConn)
	if errors.Is(err, errors.ErrUnsupported) {
		return usr{unchecked: true}, nil
	}
	if err != nil {
		return p, fmt.Errorf("get uid: %w", err)
	}
	return usr{uid: strconv.FormatUint(uint64(uid), 10)}, nil
}
