package health

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discogsography/extractor/internal/xtypes"
)

func TestReadyNotReadyInitially(t *testing.T) {
	state := NewState(&xtypes.ExtractionProgress{})
	srv := NewServer(0, state)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	resp, err := srv.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestReadyAfterFileCompleted(t *testing.T) {
	state := NewState(&xtypes.ExtractionProgress{})
	state.MarkFileCompleted("discogs_20240101_artists.xml.gz")
	srv := NewServer(0, state)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	resp, err := srv.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadyWhileConnectionActive(t *testing.T) {
	state := NewState(&xtypes.ExtractionProgress{})
	state.SetActiveConnection(xtypes.Artists, "discogs_20240101_artists.xml.gz")
	assert.True(t, state.Ready(), "expected Ready() to be true with an active connection")

	state.ClearActiveConnection(xtypes.Artists)
	assert.False(t, state.Ready(), "expected Ready() to be false once the only connection clears with no completed files")
}

func TestHealthEndpointReturnsJSON(t *testing.T) {
	state := NewState(&xtypes.ExtractionProgress{})
	state.extraction.AddParsed(42)
	srv := NewServer(0, state)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp, err := srv.app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.NotEmpty(t, body, "expected a non-empty JSON body")
}

func TestMetricsEndpointReturnsJSON(t *testing.T) {
	state := NewState(&xtypes.ExtractionProgress{})
	srv := NewServer(0, state)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := srv.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
