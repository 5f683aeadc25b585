package fileshare

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/fileshare/executor"
	"github.com/opd-ai/fileshare/filelock"
	"github.com/opd-ai/fileshare/monitor"
	"github.com/opd-ai/fileshare/notify"
	"github.com/opd-ai/fileshare/session"
	"github.com/opd-ai/fileshare/transfer"
)

// Stats aggregates the observable state of every server component.
type Stats struct {
	Locks       filelock.Stats `json:"locks"`
	Executor    executor.Stats `json:"executor"`
	Broadcaster notify.Stats   `json:"broadcaster"`
	Sessions    int            `json:"sessions"`
	SharedFiles int            `json:"shared_files"`
}

// Server is a concurrent file sharing server: a TCP accept loop feeding
// per-connection sessions, a transfer coordinator running uploads and
// downloads through a bounded worker pool under per-file fair locks, and
// a notification broadcaster fanning file events out to every client.
type Server struct {
	opts        *Options
	locks       *filelock.Registry
	pool        *executor.Pool
	coordinator *transfer.Coordinator
	broadcaster *notify.Broadcaster
	monitor     *monitor.Server

	mu       sync.Mutex
	listener net.Listener
	sessions map[string]*session.Session
	running  bool

	wg sync.WaitGroup
}

// New creates a server from the given options. A nil opts selects
// NewOptions defaults. The server does not accept connections until
// Start is called.
func New(opts *Options) (*Server, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = executor.DefaultWorkers
	}

	locks := filelock.NewRegistry()
	pool := executor.NewPool(opts.PoolSize)

	broadcaster := notify.NewBroadcaster(opts.UDPEnabled, opts.UDPPort)
	if opts.BroadcastAddr != "" {
		broadcaster.SetBroadcastAddress(opts.BroadcastAddr)
	}

	coordinator, err := transfer.NewCoordinator(opts.SharedDir, locks, pool, broadcaster, opts.OpTimeout)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating coordinator: %w", err)
	}

	s := &Server{
		opts:        opts,
		locks:       locks,
		pool:        pool,
		coordinator: coordinator,
		broadcaster: broadcaster,
		sessions:    make(map[string]*session.Session),
	}

	if opts.ChatHandler == nil {
		opts.ChatHandler = func(sessionID, identity, text string) {
			broadcaster.NotifyServerMessage(fmt.Sprintf("%s: %s", identity, text))
		}
	}

	if opts.MonitorAddr != "" {
		s.monitor = monitor.New(opts.MonitorAddr, monitor.Source{
			Stats:   func() any { return s.Stats() },
			Clients: func() []string { return broadcaster.RegisteredClients() },
		})
	}

	logrus.WithFields(logrus.Fields{
		"function":    "New",
		"shared_dir":  opts.SharedDir,
		"listen_addr": opts.ListenAddr,
		"pool_size":   opts.PoolSize,
		"udp_enabled": opts.UDPEnabled,
	}).Info("File sharing server created")

	return s, nil
}

// Start begins accepting connections. It returns once the listener is
// bound; serving happens on background goroutines until Stop.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("server already running")
	}

	if err := s.broadcaster.Start(); err != nil {
		return fmt.Errorf("starting broadcaster: %w", err)
	}

	ln, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		s.broadcaster.Stop()
		return fmt.Errorf("listening on %s: %w", s.opts.ListenAddr, err)
	}
	s.listener = ln
	s.running = true

	if s.monitor != nil {
		if err := s.monitor.Start(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"error":    err.Error(),
			}).Warn("Monitor endpoint failed to start")
		}
	}

	s.wg.Add(1)
	go s.acceptLoop(ln)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"addr":     ln.Addr(),
	}).Info("Server listening")

	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if !running {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err.Error(),
			}).Warn("Accept failed")
			continue
		}

		sess := session.New(conn, s.coordinator, s.broadcaster, s.opts.Authenticator, s.opts.ChatHandler, s.removeSession)
		s.addSession(sess)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.Run()
		}()
	}
}

func (s *Server) addSession(sess *session.Session) {
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	total := len(s.sessions)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "addSession",
		"session_id": sess.ID(),
		"sessions":   total,
	}).Info("Client connected")
}

func (s *Server) removeSession(sess *session.Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	total := len(s.sessions)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "removeSession",
		"session_id": sess.ID(),
		"sessions":   total,
	}).Info("Client disconnected")
}

// ListFiles returns the files currently in the shared directory.
func (s *Server) ListFiles() ([]transfer.FileInfo, error) {
	return s.coordinator.ListFiles()
}

// DeleteFile removes a shared file once its transfers have drained and
// announces the deletion to connected clients.
func (s *Server) DeleteFile(name string) error {
	return s.coordinator.DeleteFile(name, "server")
}

// RenameFile renames a shared file once its transfers have drained and
// announces the change to connected clients.
func (s *Server) RenameFile(oldName, newName string) error {
	return s.coordinator.RenameFile(oldName, newName, "server")
}

// Broadcast sends a server message to every connected client.
func (s *Server) Broadcast(message string) {
	s.broadcaster.NotifyServerMessage(message)
}

// Stats returns a snapshot of every component's statistics.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	sessions := len(s.sessions)
	s.mu.Unlock()

	files, _ := s.coordinator.ListFiles()

	return Stats{
		Locks:       s.locks.Snapshot(),
		Executor:    s.pool.Snapshot(),
		Broadcaster: s.broadcaster.Snapshot(),
		Sessions:    sessions,
		SharedFiles: len(files),
	}
}

// Stop closes the listener, tears down every session, and stops the
// broadcaster and the worker pool. It blocks until all goroutines exit.
// Stopping twice is a no-op.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	ln := s.listener
	active := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		active = append(active, sess)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, sess := range active {
		sess.Close()
	}

	s.wg.Wait()
	s.broadcaster.Stop()
	s.pool.Close()
	if s.monitor != nil {
		s.monitor.Stop()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Server stopped")
}
