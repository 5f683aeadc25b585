package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrClosed indicates an operation on a disconnected client.
var ErrClosed = errors.New("client is disconnected")

// ErrResponseTimeout indicates the server did not answer a command
// within the client's timeout.
var ErrResponseTimeout = errors.New("timed out waiting for server response")

// chunkSize is the streaming buffer size for file payloads.
const chunkSize = 4 * 1024

// Notification is one server event frame.
type Notification struct {
	Type    string
	Message string
	Details string
}

// FileEntry is one entry of a server file listing.
type FileEntry struct {
	Name     string
	Size     int64
	Modified time.Time
}

// Config configures a client connection.
type Config struct {
	// Addr is the server's TCP address.
	Addr string
	// OnNotification, if non-nil, receives every server notification.
	// It is called from the listener goroutine and must not block.
	OnNotification func(Notification)
	// Timeout bounds how long each command waits for a response line.
	// Zero selects 30 seconds.
	Timeout time.Duration
}

// Client is a connection to a file sharing server. Its methods are safe
// for concurrent use; commands are serialized over the single stream.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	onNote  func(Notification)
	timeout time.Duration

	// opMu serializes whole command exchanges.
	opMu sync.Mutex

	// responses carries non-notification lines to the operation in
	// flight.
	responses chan string

	// gateMu guards transferring. While a download owns the stream the
	// listener parks on the cond instead of reading payload bytes.
	gateMu       sync.Mutex
	gateCond     *sync.Cond
	transferring bool

	closeOnce sync.Once
	done      chan struct{}
}

// Connect dials the server and waits for its greeting.
func Connect(cfg Config) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	conn, err := net.DialTimeout("tcp", cfg.Addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Addr, err)
	}

	c := &Client{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		onNote:    cfg.OnNotification,
		timeout:   timeout,
		responses: make(chan string, 16),
		done:      make(chan struct{}),
	}
	c.gateCond = sync.NewCond(&c.gateMu)

	go c.listen()

	greeting, err := c.waitResponse()
	if err != nil {
		c.Disconnect()
		return nil, fmt.Errorf("waiting for greeting: %w", err)
	}
	if !strings.HasPrefix(greeting, "CONNECTED:") {
		c.Disconnect()
		return nil, fmt.Errorf("unexpected greeting %q", greeting)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"addr":     cfg.Addr,
	}).Info("Connected to server")

	return c, nil
}

// listen owns the read side: notifications go to the callback, every
// other line to the operation in flight. It parks while a download owns
// the stream.
func (c *Client) listen() {
	defer c.Disconnect()

	for {
		c.gateMu.Lock()
		for c.transferring {
			c.gateCond.Wait()
		}
		closed := c.isClosed()
		c.gateMu.Unlock()
		if closed {
			return
		}

		line, err := c.reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if note, ok := parseNotification(line); ok {
			if c.onNote != nil {
				c.onNote(note)
			}
			continue
		}

		select {
		case c.responses <- line:
		case <-c.done:
			return
		}
	}
}

func parseNotification(line string) (Notification, bool) {
	body, ok := strings.CutPrefix(line, "NOTIFICATION:")
	if !ok || !strings.HasPrefix(body, "[") {
		return Notification{}, false
	}
	end := strings.IndexByte(body, ']')
	if end < 0 {
		return Notification{}, false
	}
	msg, details, _ := strings.Cut(body[end+1:], "|")
	return Notification{Type: body[1:end], Message: msg, Details: details}, true
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) waitResponse() (string, error) {
	select {
	case line := <-c.responses:
		return line, nil
	case <-time.After(c.timeout):
		return "", ErrResponseTimeout
	case <-c.done:
		return "", ErrClosed
	}
}

func (c *Client) sendLine(line string) error {
	if c.isClosed() {
		return ErrClosed
	}
	_, err := fmt.Fprintf(c.conn, "%s\n", line)
	return err
}

// Authenticate sends credentials and waits for the verdict.
func (c *Client) Authenticate(email, password string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.sendLine(fmt.Sprintf("AUTH:%s:%s", email, password)); err != nil {
		return err
	}
	resp, err := c.waitResponse()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(resp, "AUTH_SUCCESS:") {
		return fmt.Errorf("authentication rejected: %s", resp)
	}
	return nil
}

// ListFiles fetches and parses the server's file listing.
func (c *Client) ListFiles() ([]FileEntry, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.sendLine("LIST_FILES"); err != nil {
		return nil, err
	}
	resp, err := c.waitResponse()
	if err != nil {
		return nil, err
	}
	body, ok := strings.CutPrefix(resp, "FILE_LIST:")
	if !ok {
		return nil, fmt.Errorf("unexpected listing response: %s", resp)
	}

	var entries []FileEntry
	for _, raw := range strings.Split(strings.TrimSuffix(body, "|"), "|") {
		if raw == "" {
			continue
		}
		// Dates contain colons, so split from the left exactly twice.
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) != 3 {
			continue
		}
		size, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		modified, _ := time.Parse(time.RFC3339, parts[2])
		entries = append(entries, FileEntry{Name: parts[0], Size: size, Modified: modified})
	}
	return entries, nil
}

// Upload streams size bytes from src to the server under the given name.
func (c *Client) Upload(name string, src io.Reader, size int64) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.sendLine(fmt.Sprintf("UPLOAD:%s:%d", name, size)); err != nil {
		return err
	}
	resp, err := c.waitResponse()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(resp, "READY:") {
		return fmt.Errorf("server refused upload: %s", resp)
	}

	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(c.conn, io.LimitReader(src, size), buf); err != nil {
		return fmt.Errorf("streaming payload: %w", err)
	}

	resp, err = c.waitResponse()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(resp, "UPLOAD_SUCCESS:") {
		return fmt.Errorf("upload failed: %s", resp)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Upload",
		"file_name": name,
		"size":      size,
	}).Info("Upload complete")

	return nil
}

// UploadFile uploads a local file under its base name.
func (c *Client) UploadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stating %s: %w", path, err)
	}
	return c.Upload(filepath.Base(path), f, info.Size())
}

// Download fetches the named file into dst and returns the byte count.
// The listener goroutine is parked for the duration so the payload is
// read here, byte-exact, and line handling resumes right after.
func (c *Client) Download(name string, dst io.Writer) (int64, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	// Set the gate before the request goes out: once the listener hands
	// over the FILE_SIZE line it parks instead of touching the payload.
	c.gateMu.Lock()
	c.transferring = true
	c.gateMu.Unlock()
	defer func() {
		c.gateMu.Lock()
		c.transferring = false
		c.gateCond.Broadcast()
		c.gateMu.Unlock()
	}()

	if err := c.sendLine("DOWNLOAD:" + name); err != nil {
		return 0, err
	}
	resp, err := c.waitResponse()
	if err != nil {
		return 0, err
	}
	sizeStr, ok := strings.CutPrefix(resp, "FILE_SIZE:")
	if !ok {
		return 0, fmt.Errorf("download refused: %s", resp)
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("bad size header %q", resp)
	}

	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	payload := &countingReader{r: io.LimitReader(c.reader, size)}
	n, err := io.Copy(dst, payload)
	if err == nil && n < size {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		// A local write failure leaves the rest of the payload unread on
		// the stream, so drain it before the listener resumes line
		// handling. A drain that cannot consume the full payload means
		// the stream itself is broken and the connection is unusable.
		io.Copy(io.Discard, payload)
		if payload.n < size {
			c.Disconnect()
		}
		c.conn.SetReadDeadline(time.Time{})
		return n, fmt.Errorf("reading payload after %d of %d bytes: %w", n, size, err)
	}
	c.conn.SetReadDeadline(time.Time{})

	logrus.WithFields(logrus.Fields{
		"function":  "Download",
		"file_name": name,
		"size":      size,
	}).Info("Download complete")

	return n, nil
}

// countingReader tracks how many bytes have been consumed from the
// wrapped reader.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// DownloadFile fetches the named file into a local path.
func (c *Client) DownloadFile(name, destPath string) error {
	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", destPath, err)
	}
	defer f.Close()

	if _, err := c.Download(name, f); err != nil {
		return err
	}
	return nil
}

// Chat sends a chat line. The server does not acknowledge chat.
func (c *Client) Chat(text string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.sendLine("CHAT:" + text)
}

// Disconnect closes the connection and releases the listener. Safe to
// call more than once.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()

		// Wake a parked listener so it observes the shutdown.
		c.gateMu.Lock()
		c.gateCond.Broadcast()
		c.gateMu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Disconnect",
		}).Info("Disconnected from server")
	})
}
