package notify

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestEventTypeString(t *testing.T) {
	cases := map[EventType]string{
		EventNewFile:            "NEW_FILE",
		EventFileUpdated:        "FILE_UPDATED",
		EventFileDeleted:        "FILE_DELETED",
		EventServerMessage:      "SERVER_MESSAGE",
		EventClientConnected:    "CLIENT_CONNECTED",
		EventClientDisconnected: "CLIENT_DISCONNECTED",
	}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Errorf("EventType(%d).String() = %q, want %q", typ, got, want)
		}
	}
}

func TestMessageFrame(t *testing.T) {
	msg := NewMessage(EventNewFile, "New file available: report.txt", "Uploaded by: alice")

	frame := string(msg.Frame())
	want := "NOTIFICATION:[NEW_FILE]New file available: report.txt|Uploaded by: alice\n"
	if frame != want {
		t.Errorf("Frame() = %q, want %q", frame, want)
	}

	datagram := string(msg.Datagram())
	if datagram != "[NEW_FILE] New file available: report.txt | Uploaded by: alice" {
		t.Errorf("unexpected datagram %q", datagram)
	}

	if msg.Timestamp.IsZero() {
		t.Error("message should carry a creation timestamp")
	}
}

// readUntil collects newline-terminated frames from the far end of a
// registered pipe until one containing marker arrives.
func readUntil(t *testing.T, conn net.Conn, marker string) []string {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	reader := bufio.NewReader(conn)

	var frames []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("reading frames (got %d so far): %v", len(frames), err)
		}
		frames = append(frames, strings.TrimSuffix(line, "\n"))
		if strings.Contains(line, marker) {
			return frames
		}
	}
}

func TestFanOutToRegisteredClients(t *testing.T) {
	b := NewBroadcaster(false, 0)
	if err := b.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop()

	near1, far1 := net.Pipe()
	near2, far2 := net.Pipe()

	b.RegisterClient(near1, "alice")
	b.RegisterClient(near2, "bob")

	b.NotifyNewFile("report.txt", "alice")

	// alice sees bob's connect event before the file notification; queue
	// order is FIFO.
	got1 := readUntil(t, far1, "NEW_FILE")
	last := got1[len(got1)-1]
	if last != "NOTIFICATION:[NEW_FILE]New file available: report.txt|Uploaded by: alice" {
		t.Errorf("unexpected frame %q", last)
	}
	sawBob := false
	for _, f := range got1[:len(got1)-1] {
		if strings.Contains(f, "CLIENT_CONNECTED") && strings.Contains(f, "bob") {
			sawBob = true
		}
	}
	if !sawBob {
		t.Errorf("alice never saw bob's connect notification: %v", got1)
	}

	got2 := readUntil(t, far2, "NEW_FILE")
	if len(got2) == 0 {
		t.Error("bob did not receive the file notification")
	}

	stats := b.Snapshot()
	if stats.RegisteredClients != 2 {
		t.Errorf("expected 2 registered clients, got %d", stats.RegisteredClients)
	}
	if stats.TotalNotificationsSent == 0 {
		t.Error("expected notification counter to advance")
	}
}

func TestDeadClientRemoved(t *testing.T) {
	b := NewBroadcaster(false, 0)
	if err := b.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop()

	near, far := net.Pipe()
	b.RegisterClient(near, "ghost")
	far.Close()

	b.NotifyServerMessage("anyone there?")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if b.Snapshot().RegisteredClients == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("dead client was never removed from the fan-out set")
}

func TestBusyChannelRetriedNotDropped(t *testing.T) {
	b := NewBroadcaster(false, 0)
	if err := b.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop()

	near, far := net.Pipe()
	b.RegisterClient(near, "slow")

	// Nobody reads from far yet: pipe writes time out and the frame stays
	// pending. The client must not be unregistered.
	b.NotifyServerMessage("patience")
	time.Sleep(500 * time.Millisecond)

	if b.Snapshot().RegisteredClients != 1 {
		t.Fatal("slow client was dropped instead of retried")
	}

	// Once the reader shows up the pending frames are delivered.
	got := readUntil(t, far, "patience")
	if len(got) == 0 {
		t.Error("expected retried delivery")
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	// Never started: nothing drains the queue.
	b := NewBroadcaster(false, 0)

	for i := 0; i < queueCapacity; i++ {
		if !b.Enqueue(NewMessage(EventServerMessage, "fill", "")) {
			t.Fatalf("enqueue %d rejected before capacity reached", i)
		}
	}

	start := time.Now()
	if b.Enqueue(NewMessage(EventServerMessage, "overflow", "")) {
		t.Fatal("enqueue succeeded past capacity")
	}
	if elapsed := time.Since(start); elapsed < enqueueTimeout {
		t.Errorf("enqueue gave up after %v, expected to block about %v", elapsed, enqueueTimeout)
	}

	if depth := b.Snapshot().QueueDepth; depth != queueCapacity {
		t.Errorf("expected queue depth %d, got %d", queueCapacity, depth)
	}
}

func TestUDPBroadcast(t *testing.T) {
	// Listen on a loopback UDP port and point the broadcaster at it.
	listener, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to open UDP listener: %v", err)
	}
	defer listener.Close()
	port := listener.LocalAddr().(*net.UDPAddr).Port

	b := NewBroadcaster(true, port)
	b.SetBroadcastAddress("127.0.0.1")
	if err := b.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop()

	b.NotifyNewFile("report.txt", "alice")

	_ = listener.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := listener.ReadFrom(buf)
	if err != nil {
		t.Fatalf("no UDP datagram received: %v", err)
	}

	got := string(buf[:n])
	if got != "[NEW_FILE] New file available: report.txt | Uploaded by: alice" {
		t.Errorf("unexpected datagram %q", got)
	}

	if b.Snapshot().TotalBroadcastsSent != 1 {
		t.Errorf("expected 1 broadcast sent, got %d", b.Snapshot().TotalBroadcastsSent)
	}
}

func TestQueuedBeforeStartBroadcastOnDrain(t *testing.T) {
	listener, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to open UDP listener: %v", err)
	}
	defer listener.Close()
	port := listener.LocalAddr().(*net.UDPAddr).Port

	b := NewBroadcaster(true, port)
	b.SetBroadcastAddress("127.0.0.1")

	// Queued before Start: the datagram goes out when the drain loop
	// picks the message up, not on the enqueueing goroutine.
	b.NotifyServerMessage("early bird")

	if err := b.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop()

	_ = listener.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := listener.ReadFrom(buf)
	if err != nil {
		t.Fatalf("no UDP datagram received: %v", err)
	}
	if got := string(buf[:n]); got != "[SERVER_MESSAGE] early bird | " {
		t.Errorf("unexpected datagram %q", got)
	}
}

// blockingChannel stalls its first Write until released, ignoring
// deadlines.
type blockingChannel struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *blockingChannel) Write(p []byte) (int, error) {
	c.once.Do(func() { close(c.entered) })
	<-c.release
	return len(p), nil
}

func (c *blockingChannel) SetWriteDeadline(time.Time) error { return nil }
func (c *blockingChannel) Close() error                     { return nil }
func (c *blockingChannel) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func TestSlowClientDoesNotStallStats(t *testing.T) {
	b := NewBroadcaster(false, 0)
	if err := b.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop()

	bc := &blockingChannel{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	b.RegisterClient(bc, "stuck")

	select {
	case <-bc.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("fan-out never reached the blocked channel")
	}

	// The drain goroutine is parked inside the channel's Write. Stats
	// and registration must still go through.
	done := make(chan Stats, 1)
	go func() { done <- b.Snapshot() }()
	select {
	case stats := <-done:
		if stats.RegisteredClients != 1 {
			t.Errorf("expected 1 registered client, got %d", stats.RegisteredClients)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Snapshot stalled behind a blocked client write")
	}

	close(bc.release)
}

func TestStopIsIdempotent(t *testing.T) {
	b := NewBroadcaster(false, 0)
	if err := b.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	b.Stop()
	b.Stop()

	if b.Snapshot().Running {
		t.Error("broadcaster still reports running after Stop")
	}
}
