package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/fileshare/executor"
	"github.com/opd-ai/fileshare/notify"
	"github.com/opd-ai/fileshare/transfer"
)

// ErrProtocolDesync indicates raw payload bytes arrived where a line
// command was expected. The connection cannot be realigned and is closed.
var ErrProtocolDesync = errors.New("protocol desync: binary data on the command stream")

// State tracks where a session is in its lifecycle.
type State int32

const (
	StateConnected State = iota
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// ChatHandler receives CHAT lines from authenticated sessions.
type ChatHandler func(sessionID, identity, text string)

// Session owns one client connection: it reads line commands, dispatches
// them to the coordinator, and writes responses. All writes to the
// connection go through the session so notification fan-out and command
// responses never interleave with file payloads.
type Session struct {
	id          string
	conn        net.Conn
	reader      *bufio.Reader
	coordinator *transfer.Coordinator
	broadcaster *notify.Broadcaster
	auth        Authenticator
	chat        ChatHandler
	onClose     func(*Session)

	// writeMu serializes every write to conn.
	writeMu sync.Mutex

	// gateMu guards transferring. While a transfer owns the stream the
	// broadcaster's channel reports ErrNotReady instead of writing.
	gateMu       sync.Mutex
	gateCond     *sync.Cond
	transferring bool

	mu         sync.Mutex
	state      State
	identity   string
	registered bool

	closeOnce sync.Once
	ch        *streamChannel
}

// New wraps an accepted connection in a session. auth may be nil, in
// which case the connection is authenticated under its remote address as
// soon as it runs. onClose, if non-nil, fires exactly once after the
// session shuts down.
func New(conn net.Conn, coordinator *transfer.Coordinator, broadcaster *notify.Broadcaster, auth Authenticator, chat ChatHandler, onClose func(*Session)) *Session {
	s := &Session{
		id:          uuid.NewString(),
		conn:        conn,
		reader:      bufio.NewReader(conn),
		coordinator: coordinator,
		broadcaster: broadcaster,
		auth:        auth,
		chat:        chat,
		onClose:     onClose,
		state:       StateConnected,
	}
	s.gateCond = sync.NewCond(&s.gateMu)
	s.ch = &streamChannel{session: s}
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Identity returns the authenticated identity, or the empty string.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemoteAddr returns the peer address of the underlying connection.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Run serves the connection until the peer disconnects or a fatal
// protocol error occurs. It blocks; callers run it in its own goroutine.
func (s *Session) Run() {
	defer s.Close()

	logrus.WithFields(logrus.Fields{
		"function":   "Run",
		"session_id": s.id,
		"remote":     s.conn.RemoteAddr(),
	}).Info("Session started")

	if err := s.writeLine("CONNECTED:Welcome to File Share Server"); err != nil {
		return
	}
	if s.auth == nil {
		s.becomeAuthenticated(s.conn.RemoteAddr().String())
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				logrus.WithFields(logrus.Fields{
					"function":   "Run",
					"session_id": s.id,
					"error":      err.Error(),
				}).Debug("Session read ended")
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if err := s.handleCommand(line); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Run",
				"session_id": s.id,
				"error":      err.Error(),
			}).Error("Fatal session error")
			return
		}
	}
}

// handleCommand dispatches one command line. A returned error is fatal
// and closes the session; recoverable failures answer with an error line
// and return nil.
func (s *Session) handleCommand(line string) error {
	if strings.ContainsRune(line, 0) || !utf8.ValidString(line) {
		return ErrProtocolDesync
	}

	logrus.WithFields(logrus.Fields{
		"function":   "handleCommand",
		"session_id": s.id,
		"command":    commandName(line),
	}).Debug("Handling command")

	switch {
	case line == "LIST_FILES":
		return s.handleListFiles()
	case strings.HasPrefix(line, "AUTH:"):
		return s.handleAuth(line[len("AUTH:"):])
	case strings.HasPrefix(line, "UPLOAD:"):
		if !s.requireAuth() {
			return nil
		}
		return s.handleUpload(line[len("UPLOAD:"):])
	case strings.HasPrefix(line, "DOWNLOAD:"):
		if !s.requireAuth() {
			return nil
		}
		return s.handleDownload(line[len("DOWNLOAD:"):])
	case strings.HasPrefix(line, "CHAT:"):
		if !s.requireAuth() {
			return nil
		}
		return s.handleChat(line[len("CHAT:"):])
	case line == "":
		return nil
	default:
		return s.writeLine("ERROR:Unknown command")
	}
}

func commandName(line string) string {
	if i := strings.IndexRune(line, ':'); i >= 0 {
		return line[:i]
	}
	return line
}

// requireAuth answers with an error line when the session has not
// authenticated yet.
func (s *Session) requireAuth() bool {
	if s.State() == StateAuthenticated {
		return true
	}
	s.writeLine("ERROR:Authentication required")
	return false
}

func (s *Session) handleAuth(credentials string) error {
	if s.State() == StateAuthenticated {
		return s.writeLine("ERROR:Already authenticated")
	}

	if s.auth == nil {
		s.becomeAuthenticated(s.conn.RemoteAddr().String())
		return s.writeLine("AUTH_SUCCESS:" + s.Identity())
	}

	identity, err := s.auth.Authenticate(credentials)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleAuth",
			"session_id": s.id,
		}).Warn("Authentication rejected")
		return s.writeLine("AUTH_FAILED:Invalid credentials")
	}

	s.becomeAuthenticated(identity)
	return s.writeLine("AUTH_SUCCESS:" + identity)
}

func (s *Session) becomeAuthenticated(identity string) {
	s.mu.Lock()
	s.identity = identity
	s.state = StateAuthenticated
	s.registered = true
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "becomeAuthenticated",
		"session_id": s.id,
		"identity":   identity,
	}).Info("Session authenticated")

	s.broadcaster.RegisterClient(s.ch, identity)
}

// handleListFiles answers FILE_LIST:name:size:date|... with RFC 3339
// modification dates.
func (s *Session) handleListFiles() error {
	files, err := s.coordinator.ListFiles()
	if err != nil {
		return s.writeLine("ERROR:Could not list files")
	}

	var sb strings.Builder
	sb.WriteString("FILE_LIST:")
	for _, f := range files {
		sb.WriteString(f.Name)
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatInt(f.Size, 10))
		sb.WriteByte(':')
		sb.WriteString(f.ModTime.Format(time.RFC3339))
		sb.WriteByte('|')
	}
	return s.writeLine(sb.String())
}

// handleUpload runs UPLOAD:<name>:<size>. It answers READY:, consumes
// exactly size payload bytes from the stream, and reports the outcome.
// A timed-out transfer leaves the abandoned task owning the stream, so
// the session closes instead of trying to realign.
func (s *Session) handleUpload(arg string) error {
	idx := strings.LastIndex(arg, ":")
	if idx <= 0 {
		return s.writeLine("ERROR:Invalid upload command")
	}
	name := arg[:idx]
	size, err := strconv.ParseInt(arg[idx+1:], 10, 64)
	if err != nil || size < 0 {
		return s.writeLine("ERROR:Invalid upload command")
	}

	if err := s.writeLine("READY:Ready to receive file"); err != nil {
		return err
	}

	s.beginTransfer()
	payload := io.LimitReader(s.reader, size)
	res := s.coordinator.HandleUpload(name, payload, size, s.Identity())

	if errors.Is(res.Err, executor.ErrTimeout) {
		// The abandoned write task still owns the read side of the
		// stream; the gate stays set until Close tears the session down.
		s.writeLine("UPLOAD_FAILED:Upload timeout")
		return fmt.Errorf("upload of %s timed out, stream abandoned", name)
	}

	// The write task has finished; drain whatever payload it left behind
	// so the next read sees a command line again.
	io.Copy(io.Discard, payload)
	s.endTransfer()

	if res.Success {
		return s.writeLine("UPLOAD_SUCCESS:File uploaded successfully")
	}
	return s.writeLine("UPLOAD_FAILED:" + res.Message)
}

// handleDownload runs DOWNLOAD:<name>. It answers FILE_SIZE:<n> followed
// by exactly n raw bytes with nothing interleaved.
func (s *Session) handleDownload(name string) error {
	size, err := s.coordinator.StatFile(name)
	if err != nil {
		return s.writeLine("ERROR:File not found")
	}

	s.beginTransfer()
	if err := s.writeLine("FILE_SIZE:" + strconv.FormatInt(size, 10)); err != nil {
		s.endTransfer()
		return err
	}

	counted := &countingWriter{w: s.conn}
	res := s.coordinator.HandleDownload(name, counted)

	if !res.Success {
		// The peer already consumed the FILE_SIZE header and some
		// unknown amount of payload; the stream cannot be realigned,
		// so the gate stays set until Close tears the session down.
		return fmt.Errorf("download of %s failed mid-stream: %s", name, res.Message)
	}
	if counted.n != size {
		// The file changed size between the header and the locked read.
		return fmt.Errorf("download of %s sent %d bytes after announcing %d", name, counted.n, size)
	}

	s.endTransfer()
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (s *Session) handleChat(text string) error {
	if s.chat == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleChat",
			"session_id": s.id,
		}).Debug("Chat message dropped, no handler installed")
		return nil
	}
	s.chat(s.id, s.Identity(), text)
	return nil
}

func (s *Session) writeLine(line string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := fmt.Fprintf(s.conn, "%s\n", line)
	return err
}

func (s *Session) beginTransfer() {
	s.gateMu.Lock()
	for s.transferring {
		s.gateCond.Wait()
	}
	s.transferring = true
	s.gateMu.Unlock()
}

func (s *Session) endTransfer() {
	s.gateMu.Lock()
	s.transferring = false
	s.gateCond.Broadcast()
	s.gateMu.Unlock()
}

// Close tears the session down exactly once: it unregisters from the
// broadcaster, closes the connection, and fires the onClose callback.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateDisconnected
		registered := s.registered
		s.mu.Unlock()

		if registered {
			s.broadcaster.UnregisterClient(s.ch)
		}
		s.conn.Close()

		logrus.WithFields(logrus.Fields{
			"function":   "Close",
			"session_id": s.id,
			"remote":     s.conn.RemoteAddr(),
		}).Info("Session closed")

		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// streamChannel adapts a session's connection to the broadcaster's
// ClientChannel. Writes fail with notify.ErrNotReady while a transfer
// owns the stream or a response line is mid-write, so the broadcaster
// retries on its next fan-out pass instead of corrupting a payload.
type streamChannel struct {
	session  *Session
	deadline time.Time
	mu       sync.Mutex
}

func (c *streamChannel) Write(p []byte) (int, error) {
	s := c.session

	s.gateMu.Lock()
	if s.transferring {
		s.gateMu.Unlock()
		return 0, notify.ErrNotReady
	}
	if !s.writeMu.TryLock() {
		s.gateMu.Unlock()
		return 0, notify.ErrNotReady
	}
	s.gateMu.Unlock()
	defer s.writeMu.Unlock()

	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	s.conn.SetWriteDeadline(deadline)
	n, err := s.conn.Write(p)
	s.conn.SetWriteDeadline(time.Time{})
	return n, err
}

// SetWriteDeadline records the deadline for the next Write. It is applied
// around the write itself so command responses never inherit a stale
// notification deadline.
func (c *streamChannel) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

// Close shuts the underlying connection, which unblocks the session's
// read loop and lets it run its own teardown. It must not call
// Session.Close directly: the broadcaster closes channels from inside
// UnregisterClient, which Session.Close itself invokes, and re-entering
// Close would block forever on its once guard.
func (c *streamChannel) Close() error {
	return c.session.conn.Close()
}

func (c *streamChannel) RemoteAddr() net.Addr {
	return c.session.conn.RemoteAddr()
}
