// Command fileshared runs the file sharing server.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/fileshare"
	"github.com/opd-ai/fileshare/session"
)

func main() {
	var (
		listenAddr    = flag.String("listen", ":8080", "TCP address to accept clients on")
		sharedDir     = flag.String("dir", "./shared_files", "directory to share")
		udpEnabled    = flag.Bool("udp", true, "broadcast file events over UDP")
		udpPort       = flag.Int("udp-port", 9876, "UDP broadcast destination port")
		broadcastAddr = flag.String("broadcast-addr", "", "UDP broadcast address (default 255.255.255.255)")
		poolSize      = flag.Int("pool", 10, "transfer worker count")
		opTimeout     = flag.Duration("timeout", 30*time.Second, "per-transfer deadline")
		monitorAddr   = flag.String("monitor", "", "HTTP stats address, empty disables")
		usersFile     = flag.String("users", "", "user database file, empty disables authentication")
		logLevel      = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.WithField("log_level", *logLevel).Fatal("Unknown log level")
	}
	logrus.SetLevel(level)

	opts := fileshare.NewOptions()
	opts.ListenAddr = *listenAddr
	opts.SharedDir = *sharedDir
	opts.UDPEnabled = *udpEnabled
	opts.UDPPort = *udpPort
	opts.BroadcastAddr = *broadcastAddr
	opts.PoolSize = *poolSize
	opts.OpTimeout = *opTimeout
	opts.MonitorAddr = *monitorAddr

	if *usersFile != "" {
		auth, err := session.NewFileAuthenticator(*usersFile)
		if err != nil {
			logrus.WithField("error", err.Error()).Fatal("Could not load user database")
		}
		opts.Authenticator = auth
	}

	srv, err := fileshare.New(opts)
	if err != nil {
		logrus.WithField("error", err.Error()).Fatal("Could not create server")
	}
	if err := srv.Start(); err != nil {
		logrus.WithField("error", err.Error()).Fatal("Could not start server")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logrus.Info("Shutting down")
	srv.Stop()
}
