package notify

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNotReady indicates that a client channel's stream is temporarily
// owned by another writer (for example a raw file payload) and the
// notification write should be retried on a later fan-out pass.
var ErrNotReady = errors.New("client channel not ready for writing")

// ClientChannel is the write side of a registered client. A net.Conn
// satisfies it; sessions typically register a wrapper that refuses writes
// while a binary transfer owns the stream.
type ClientChannel interface {
	Write(p []byte) (n int, err error)
	SetWriteDeadline(t time.Time) error
	Close() error
	RemoteAddr() net.Addr
}

const (
	// queueCapacity bounds the notification backlog.
	queueCapacity = 1000
	// enqueueTimeout is how long Enqueue blocks before dropping.
	enqueueTimeout = time.Second
	// pollInterval paces fan-out retries when the queue is idle.
	pollInterval = 100 * time.Millisecond
	// writeDeadline bounds a single channel write attempt.
	writeDeadline = 200 * time.Millisecond
)

type clientState struct {
	identity   string
	registered time.Time
	received   uint64
	pending    [][]byte
}

// Stats describes the broadcaster's current state.
type Stats struct {
	Running                bool   `json:"running"`
	UDPEnabled             bool   `json:"udp_enabled"`
	RegisteredClients      int    `json:"registered_clients"`
	TotalNotificationsSent uint64 `json:"total_notifications_sent"`
	TotalBroadcastsSent    uint64 `json:"total_broadcasts_sent"`
	QueueDepth             int    `json:"queue_depth"`
}

// Broadcaster fans notifications out to registered client channels and,
// optionally, to the local network over UDP broadcast.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[ClientChannel]*clientState

	queue chan *Message

	udpEnabled    bool
	udpPort       int
	broadcastAddr string
	udpConn       net.PacketConn
	udpDest       net.Addr

	notificationsSent atomic.Uint64
	broadcastsSent    atomic.Uint64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewBroadcaster creates a broadcaster. UDP broadcasting is optional; when
// enabled, every queued notification is additionally sent as a single
// best-effort datagram to the broadcast address on udpPort.
func NewBroadcaster(udpEnabled bool, udpPort int) *Broadcaster {
	logrus.WithFields(logrus.Fields{
		"function":    "NewBroadcaster",
		"udp_enabled": udpEnabled,
		"udp_port":    udpPort,
	}).Info("Notification broadcaster initialized")

	return &Broadcaster{
		clients:       make(map[ClientChannel]*clientState),
		queue:         make(chan *Message, queueCapacity),
		udpEnabled:    udpEnabled,
		udpPort:       udpPort,
		broadcastAddr: "255.255.255.255",
	}
}

// SetBroadcastAddress overrides the UDP destination address. Must be
// called before Start. Useful for tests and for networks where the
// limited broadcast address is filtered.
func (b *Broadcaster) SetBroadcastAddress(addr string) {
	b.broadcastAddr = addr
}

// Start launches the background fan-out goroutine and, if enabled, the
// UDP broadcast socket. Starting twice is a no-op.
func (b *Broadcaster) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}

	if b.udpEnabled {
		if err := b.initUDP(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"error":    err.Error(),
			}).Warn("Failed to initialize UDP broadcast, disabling")
			b.udpEnabled = false
		}
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.running = true

	b.wg.Add(1)
	go b.drainLoop()

	logrus.WithFields(logrus.Fields{
		"function":    "Start",
		"udp_enabled": b.udpEnabled,
	}).Info("Notification service started")

	return nil
}

func (b *Broadcaster) initUDP() error {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return err
	}

	ip := net.ParseIP(b.broadcastAddr)
	if ip == nil {
		conn.Close()
		return errors.New("invalid broadcast address: " + b.broadcastAddr)
	}

	b.udpConn = conn
	b.udpDest = &net.UDPAddr{IP: ip, Port: b.udpPort}

	logrus.WithFields(logrus.Fields{
		"function":       "initUDP",
		"broadcast_addr": b.broadcastAddr,
		"udp_port":       b.udpPort,
	}).Info("UDP broadcast initialized")

	return nil
}

// RegisterClient adds a channel to the fan-out set and announces the new
// client to everyone already registered.
func (b *Broadcaster) RegisterClient(ch ClientChannel, identity string) {
	b.mu.Lock()
	b.clients[ch] = &clientState{
		identity:   identity,
		registered: time.Now(),
	}
	total := len(b.clients)
	b.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "RegisterClient",
		"identity": identity,
		"clients":  total,
	}).Info("Registered client for notifications")

	b.Enqueue(NewMessage(EventClientConnected, "New client connected: "+identity, identity))
}

// UnregisterClient removes a channel from the fan-out set, closes it, and
// announces the departure. Unknown channels are ignored.
func (b *Broadcaster) UnregisterClient(ch ClientChannel) {
	b.mu.Lock()
	st, ok := b.clients[ch]
	if ok {
		delete(b.clients, ch)
	}
	total := len(b.clients)
	b.mu.Unlock()

	if !ok {
		return
	}

	if err := ch.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "UnregisterClient",
			"identity": st.identity,
			"error":    err.Error(),
		}).Debug("Error closing client channel")
	}

	logrus.WithFields(logrus.Fields{
		"function": "UnregisterClient",
		"identity": st.identity,
		"clients":  total,
	}).Info("Unregistered client")

	b.Enqueue(NewMessage(EventClientDisconnected, "Client disconnected: "+st.identity, st.identity))
}

// Enqueue adds a message to the fan-out queue, blocking up to one second
// if the queue is full before dropping the message with a logged warning.
// It reports whether the message was accepted. Stream fan-out and the UDP
// datagram both happen later, on the background drain goroutine.
func (b *Broadcaster) Enqueue(msg *Message) bool {
	select {
	case b.queue <- msg:
	default:
		select {
		case b.queue <- msg:
		case <-time.After(enqueueTimeout):
			logrus.WithFields(logrus.Fields{
				"function": "Enqueue",
				"type":     msg.Type.String(),
				"message":  msg.Message,
			}).Warn("Message queue full, notification dropped")
			return false
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Enqueue",
		"type":     msg.Type.String(),
		"message":  msg.Message,
		"queued":   len(b.queue),
	}).Debug("Queued notification")

	return true
}

// sendUDPBroadcast sends one best-effort datagram for msg. Failures are
// logged and otherwise ignored.
func (b *Broadcaster) sendUDPBroadcast(msg *Message) {
	b.mu.Lock()
	conn, dest := b.udpConn, b.udpDest
	enabled := b.udpEnabled && b.running
	b.mu.Unlock()

	if !enabled || conn == nil {
		return
	}

	if _, err := conn.WriteTo(msg.Datagram(), dest); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendUDPBroadcast",
			"error":    err.Error(),
		}).Warn("Failed to send UDP broadcast")
		return
	}

	b.broadcastsSent.Add(1)

	logrus.WithFields(logrus.Fields{
		"function": "sendUDPBroadcast",
		"type":     msg.Type.String(),
	}).Debug("UDP broadcast sent")
}

// drainLoop is the single background fan-out task. It moves queued
// messages onto each client's pending buffer and flushes those buffers
// with deadline-bounded writes, so one slow client never stalls delivery
// to the others.
func (b *Broadcaster) drainLoop() {
	defer b.wg.Done()

	logrus.WithFields(logrus.Fields{
		"function": "drainLoop",
	}).Debug("Notification fan-out loop started")

	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-b.queue:
			b.dispatch(msg)
			b.flushPending()
		case <-time.After(pollInterval):
			b.flushPending()
		}
	}
}

// dispatch appends a message frame to every registered client's pending
// buffer and sends the UDP datagram.
func (b *Broadcaster) dispatch(msg *Message) {
	frame := msg.Frame()

	b.mu.Lock()
	for _, st := range b.clients {
		st.pending = append(st.pending, frame)
	}
	recipients := len(b.clients)
	b.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "dispatch",
		"type":       msg.Type.String(),
		"message":    msg.Message,
		"recipients": recipients,
	}).Debug("Dispatching notification")

	b.sendUDPBroadcast(msg)
}

// flushPending attempts to write each client's pending frames. A channel
// that is not writable within the write deadline keeps its frames and is
// retried on the next pass; a channel that fails outright is removed.
// The deadline-bounded writes happen outside b.mu so a slow client never
// stalls registration or stats. The pending buffers themselves are only
// touched from the drain goroutine, so writing them unlocked is safe.
func (b *Broadcaster) flushPending() {
	b.mu.Lock()
	snapshot := make(map[ClientChannel]*clientState, len(b.clients))
	for ch, st := range b.clients {
		snapshot[ch] = st
	}
	b.mu.Unlock()

	var dead []ClientChannel
	for ch, st := range snapshot {
		if failed := b.flushClient(ch, st); failed {
			dead = append(dead, ch)
		}
	}

	for _, ch := range dead {
		b.UnregisterClient(ch)
	}
}

// flushClient writes as many pending frames as the channel will accept.
// It reports true if the channel errored and should be removed.
func (b *Broadcaster) flushClient(ch ClientChannel, st *clientState) bool {
	for len(st.pending) > 0 {
		buf := st.pending[0]

		_ = ch.SetWriteDeadline(time.Now().Add(writeDeadline))
		n, err := ch.Write(buf)

		if n > 0 && n < len(buf) {
			st.pending[0] = buf[n:]
		}

		if err != nil {
			if errors.Is(err, ErrNotReady) || isTimeout(err) {
				// Stream busy or slow; retry on the next pass.
				return false
			}
			logrus.WithFields(logrus.Fields{
				"function": "flushClient",
				"identity": st.identity,
				"error":    err.Error(),
			}).Warn("Failed to send notification to client")
			return true
		}

		if n == len(buf) {
			st.pending = st.pending[1:]
			st.received++
			b.notificationsSent.Add(1)
		}
	}
	return false
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// NotifyNewFile announces a freshly uploaded file.
func (b *Broadcaster) NotifyNewFile(filename, uploader string) {
	b.Enqueue(NewMessage(EventNewFile, "New file available: "+filename, "Uploaded by: "+uploader))
}

// NotifyFileUpdated announces a modification to an existing file.
func (b *Broadcaster) NotifyFileUpdated(filename, updater string) {
	b.Enqueue(NewMessage(EventFileUpdated, "File updated: "+filename, "Updated by: "+updater))
}

// NotifyFileDeleted announces a file removal.
func (b *Broadcaster) NotifyFileDeleted(filename, deleter string) {
	b.Enqueue(NewMessage(EventFileDeleted, "File deleted: "+filename, "Deleted by: "+deleter))
}

// NotifyServerMessage broadcasts a general server announcement.
func (b *Broadcaster) NotifyServerMessage(message string) {
	b.Enqueue(NewMessage(EventServerMessage, message, ""))
}

// RegisteredClients returns the identities of the registered clients with
// their delivery counts.
func (b *Broadcaster) RegisteredClients() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.clients))
	for _, st := range b.clients {
		out = append(out, st.identity)
	}
	return out
}

// Snapshot returns the broadcaster's statistics.
func (b *Broadcaster) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Running:                b.running,
		UDPEnabled:             b.udpEnabled,
		RegisteredClients:      len(b.clients),
		TotalNotificationsSent: b.notificationsSent.Load(),
		TotalBroadcastsSent:    b.broadcastsSent.Load(),
		QueueDepth:             len(b.queue),
	}
}

// Stop halts the fan-out loop, closes every registered channel and the
// UDP socket. Stopping twice is a no-op.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.wg.Wait()

	// Channels are closed outside the lock: a channel's Close may call
	// back into UnregisterClient.
	b.mu.Lock()
	channels := make([]ClientChannel, 0, len(b.clients))
	for ch := range b.clients {
		channels = append(channels, ch)
	}
	b.clients = make(map[ClientChannel]*clientState)
	if b.udpConn != nil {
		_ = b.udpConn.Close()
		b.udpConn = nil
	}
	b.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function":            "Stop",
		"notifications_sent":  b.notificationsSent.Load(),
		"udp_broadcasts_sent": b.broadcastsSent.Load(),
	}).Info("Notification service stopped")
}
