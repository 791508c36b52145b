package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/HMasataka/castline/internal/logging"
	"github.com/HMasataka/castline/internal/peer"
	"github.com/HMasataka/castline/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticStats domain.HubStats

func (s staticStats) GetStats() domain.HubStats { return domain.HubStats(s) }

func newHTTPServer(t *testing.T, e *env) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHTTPHandler(HTTPOptions{
		Router:    e.router,
		Registry:  e.registry,
		Stats:     staticStats{ConnectedClients: 2},
		WebSocket: http.NotFoundHandler(),
		Logger:    logging.Discard(),
	}))
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestHTTPStatusEndpoints(t *testing.T) {
	e := newEnv(t, defaultOpts())
	srv := newHTTPServer(t, e)

	var health map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &health))
	assert.Equal(t, "ok", health["status"])

	var stats domain.HubStats
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/stats", &stats))
	assert.Equal(t, 2, stats.ConnectedClients)

	e.announce(t, "b")
	e.connectViewer(t, "b", "v")

	var st struct {
		Broadcaster struct {
			BroadcasterID string `json:"broadcaster_id"`
		} `json:"broadcaster"`
		Viewers     []string      `json:"viewers"`
		Connections []peer.Status `json:"connections"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/status/", &st))
	assert.Equal(t, "b", st.Broadcaster.BroadcasterID)
	assert.Equal(t, []string{"v"}, st.Viewers)
	require.Len(t, st.Connections, 1)

	var conn map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/status/v", &conn))
	assert.Equal(t, "connected", conn["state"])

	var missing domain.ErrorPayload
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/status/nobody", &missing))
	assert.Equal(t, "NOT_FOUND", missing.Code)
}

func TestHTTPAdminReset(t *testing.T) {
	e := newEnv(t, defaultOpts())
	srv := newHTTPServer(t, e)
	e.announce(t, "b")
	e.connectViewer(t, "b", "v")

	resp, err := http.Post(srv.URL+"/admin/reset", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out["stopped"])

	_, ok := e.registry.Broadcaster()
	assert.False(t, ok)
	e.requireState(t, "v", peer.StateClosed)
	e.inbox.take(t, "v", domain.MessageTypeBroadcasterDisconnected, "")
}
