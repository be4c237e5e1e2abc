package medium

import (
	"fmt"
	"net"
	"time"

	terrors "github.com/keelvcs/keel/pkg/transport/errors"
)

// Vendor is a pluggable strategy for producing a connected Conn from
// connection parameters.
type Vendor interface {
	// Name returns the registry name of the vendor.
	Name() string

	// Connect opens a duplex channel to host:port. For SSH-backed vendors
	// this opens the sftp subsystem; for plain socket vendors it is a raw
	// connection.
	Connect(creds Credentials, host string, port int) (Conn, error)

	// ConnectAndRun opens a channel running the given command on the remote
	// side, with the command's stdin/stdout as the duplex channel.
	ConnectAndRun(creds Credentials, host string, port int, command []string) (Conn, error)
}

// LoopbackVendor wraps a plain TCP connection to host:port. Used for
// same-process testing and trivial deployments where the smart server
// listens directly on a socket.
type LoopbackVendor struct {
	// Timeout bounds the TCP dial. Zero means no limit.
	Timeout time.Duration
}

// Name implements Vendor.
func (LoopbackVendor) Name() string { return "loopback" }

// Connect implements Vendor.
func (v LoopbackVendor) Connect(creds Credentials, host string, port int) (Conn, error) {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)), v.Timeout)
	if err != nil {
		return nil, terrors.NewConnectionError(host, port, err)
	}
	return conn, nil
}

// ConnectAndRun implements Vendor. A raw socket has no remote side to run
// commands on; the connected peer is already the server process.
func (v LoopbackVendor) ConnectAndRun(creds Credentials, host string, port int, command []string) (Conn, error) {
	return v.Connect(creds, host, port)
}
