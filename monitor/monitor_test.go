package monitor

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T, src Source) *Server {
	t.Helper()
	m := New("127.0.0.1:0", src)
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m
}

func TestStatsEndpoint(t *testing.T) {
	m := newTestMonitor(t, Source{
		Stats:   func() any { return map[string]int{"sessions": 3} },
		Clients: func() []string { return nil },
	})

	resp, err := http.Get("http://" + m.Addr().String() + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 3, body["sessions"])
}

func TestClientsEndpoint(t *testing.T) {
	m := newTestMonitor(t, Source{
		Stats:   func() any { return nil },
		Clients: func() []string { return []string{"alice", "bob"} },
	})

	resp, err := http.Get("http://" + m.Addr().String() + "/clients")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Count   int      `json:"count"`
		Clients []string `json:"clients"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, []string{"alice", "bob"}, body.Clients)
}

func TestMethodNotAllowed(t *testing.T) {
	m := newTestMonitor(t, Source{
		Stats:   func() any { return nil },
		Clients: func() []string { return nil },
	})

	resp, err := http.Post("http://"+m.Addr().String()+"/stats", "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
