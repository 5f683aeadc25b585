package fileshare

import (
	"time"

	"github.com/opd-ai/fileshare/session"
)

// Options contains the configuration for a file sharing server.
type Options struct {
	// SharedDir is the directory served to clients. It is created when
	// it does not exist.
	SharedDir string
	// ListenAddr is the TCP address the server accepts clients on.
	ListenAddr string
	// UDPEnabled turns on best-effort UDP datagram broadcasts of file
	// events alongside the per-client TCP fan-out.
	UDPEnabled bool
	// UDPPort is the destination port for UDP broadcasts.
	UDPPort int
	// BroadcastAddr overrides the UDP broadcast address. Empty selects
	// the limited broadcast address 255.255.255.255.
	BroadcastAddr string
	// PoolSize is the number of transfer workers and, equally, the
	// number of admission permits.
	PoolSize int
	// OpTimeout bounds how long a caller waits for a single transfer.
	OpTimeout time.Duration
	// Authenticator verifies AUTH commands. Nil authenticates every
	// connection under its remote address.
	Authenticator session.Authenticator
	// ChatHandler receives CHAT lines. Nil installs a handler that
	// rebroadcasts chat as server messages to all connected clients.
	ChatHandler session.ChatHandler
	// MonitorAddr, when non-empty, serves the HTTP stats endpoint.
	MonitorAddr string
}

// NewOptions creates a new Options with reasonable defaults.
func NewOptions() *Options {
	return &Options{
		SharedDir:  "./shared_files",
		ListenAddr: ":8080",
		UDPEnabled: true,
		UDPPort:    9876,
		PoolSize:   10,
		OpTimeout:  30 * time.Second,
	}
}
