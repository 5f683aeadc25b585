package fileshare_test

import (
	"bytes"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/fileshare"
	"github.com/opd-ai/fileshare/client"
)

type noteLog struct {
	mu    sync.Mutex
	notes []client.Notification
}

func (l *noteLog) add(n client.Notification) {
	l.mu.Lock()
	l.notes = append(l.notes, n)
	l.mu.Unlock()
}

// waitFor polls until a notification of the given type mentioning needle
// arrives.
func (l *noteLog) waitFor(t *testing.T, noteType, needle string) client.Notification {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		for _, n := range l.notes {
			if n.Type == noteType && strings.Contains(n.Message, needle) {
				l.mu.Unlock()
				return n
			}
		}
		l.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no %s notification mentioning %q arrived", noteType, needle)
	return client.Notification{}
}

func startServer(t *testing.T, udpPort int) *fileshare.Server {
	t.Helper()

	opts := fileshare.NewOptions()
	opts.SharedDir = t.TempDir()
	opts.ListenAddr = "127.0.0.1:0"
	opts.OpTimeout = 10 * time.Second
	if udpPort > 0 {
		opts.UDPEnabled = true
		opts.UDPPort = udpPort
		opts.BroadcastAddr = "127.0.0.1"
	} else {
		opts.UDPEnabled = false
	}

	srv, err := fileshare.New(opts)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func connect(t *testing.T, srv *fileshare.Server, log *noteLog) *client.Client {
	t.Helper()

	cfg := client.Config{Addr: srv.Addr().String(), Timeout: 5 * time.Second}
	if log != nil {
		cfg.OnNotification = log.add
	}
	c, err := client.Connect(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)
	return c
}

func TestUploadNotifiesOtherClients(t *testing.T) {
	// Capture UDP broadcasts on a loopback listener.
	udpConn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer udpConn.Close()
	udpPort := udpConn.LocalAddr().(*net.UDPAddr).Port

	srv := startServer(t, udpPort)

	alice := connect(t, srv, nil)
	bobLog := &noteLog{}
	connect(t, srv, bobLog)

	payload := bytes.Repeat([]byte("shared data "), 500)
	require.NoError(t, alice.Upload("dataset.bin", bytes.NewReader(payload), int64(len(payload))))

	note := bobLog.waitFor(t, "NEW_FILE", "dataset.bin")
	assert.NotEmpty(t, note.Details)

	// The same event goes out as a UDP datagram.
	udpConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1024)
	for {
		n, _, err := udpConn.ReadFrom(buf)
		require.NoError(t, err, "no UDP broadcast arrived")
		datagram := string(buf[:n])
		if strings.HasPrefix(datagram, "[NEW_FILE]") && strings.Contains(datagram, "dataset.bin") {
			break
		}
	}

	// The listing now carries the file with its exact size.
	entries, err := alice.ListFiles()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dataset.bin", entries[0].Name)
	assert.Equal(t, int64(len(payload)), entries[0].Size)
	assert.False(t, entries[0].Modified.IsZero())
}

func TestDownloadRoundTripBetweenClients(t *testing.T) {
	srv := startServer(t, 0)

	alice := connect(t, srv, nil)
	bob := connect(t, srv, nil)

	payload := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 25_000)
	require.NoError(t, alice.Upload("blob.bin", bytes.NewReader(payload), int64(len(payload))))

	var out bytes.Buffer
	n, err := bob.Download("blob.bin", &out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, out.Bytes())

	// Zero-byte files round-trip too.
	require.NoError(t, alice.Upload("empty.bin", bytes.NewReader(nil), 0))
	out.Reset()
	n, err = bob.Download("empty.bin", &out)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRewriteNotifiesUpdate(t *testing.T) {
	srv := startServer(t, 0)

	alice := connect(t, srv, nil)
	bobLog := &noteLog{}
	connect(t, srv, bobLog)

	first := []byte("version one")
	require.NoError(t, alice.Upload("doc.txt", bytes.NewReader(first), int64(len(first))))
	bobLog.waitFor(t, "NEW_FILE", "doc.txt")

	second := []byte("version two, longer than the first")
	require.NoError(t, alice.Upload("doc.txt", bytes.NewReader(second), int64(len(second))))
	bobLog.waitFor(t, "FILE_UPDATED", "doc.txt")
}

func TestServerDeleteNotifiesClients(t *testing.T) {
	srv := startServer(t, 0)

	alice := connect(t, srv, nil)
	bobLog := &noteLog{}
	connect(t, srv, bobLog)

	payload := []byte("short lived")
	require.NoError(t, alice.Upload("temp.txt", bytes.NewReader(payload), int64(len(payload))))
	bobLog.waitFor(t, "NEW_FILE", "temp.txt")

	require.NoError(t, srv.DeleteFile("temp.txt"))
	bobLog.waitFor(t, "FILE_DELETED", "temp.txt")

	entries, err := alice.ListFiles()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestChatRebroadcast(t *testing.T) {
	srv := startServer(t, 0)

	alice := connect(t, srv, nil)
	bobLog := &noteLog{}
	connect(t, srv, bobLog)

	require.NoError(t, alice.Chat("hello from alice"))
	note := bobLog.waitFor(t, "SERVER_MESSAGE", "hello from alice")
	assert.Contains(t, note.Message, ":")
}

func TestStatsReflectActivity(t *testing.T) {
	srv := startServer(t, 0)

	alice := connect(t, srv, nil)
	connect(t, srv, nil)

	payload := []byte("counted")
	require.NoError(t, alice.Upload("stat.txt", bytes.NewReader(payload), int64(len(payload))))

	stats := srv.Stats()
	assert.Equal(t, 2, stats.Sessions)
	assert.Equal(t, 1, stats.SharedFiles)
	assert.Equal(t, int64(10), stats.Executor.AvailablePermits)

	// Registration happens on the session goroutine right after the
	// greeting, so the second client's slot may land a beat later.
	require.Eventually(t, func() bool {
		return srv.Stats().Broadcaster.RegisteredClients == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStopDisconnectsClients(t *testing.T) {
	srv := startServer(t, 0)
	alice := connect(t, srv, nil)

	srv.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := alice.ListFiles(); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client still served after Stop")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
