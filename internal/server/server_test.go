package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"despotify/internal/config"
	"despotify/internal/library"
	"despotify/internal/session"
)

const sampleRate = 8000

// writeWAV writes a mono 16-bit file of frames samples.
func writeWAV(t *testing.T, path string, frames int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	data := make([]int, frames)
	for i := range data {
		data[i] = (i*7)%2000 - 1000
	}
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           data,
	}))
	require.NoError(t, enc.Close())
}

type testEnv struct {
	server   *Server
	http     *httptest.Server
	registry *session.Registry
	db       *library.Database
	root     string
}

// newTestEnv serves a library of a.wav (4000 frames) and b.wav (2000
// frames) with the user alice/pw.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger, _ := test.NewNullLogger()
	dir := t.TempDir()
	root := filepath.Join(dir, "music")
	require.NoError(t, os.MkdirAll(root, 0755))
	writeWAV(t, filepath.Join(root, "a.wav"), 4000)
	writeWAV(t, filepath.Join(root, "b.wav"), 2000)

	db, err := library.OpenDatabase(filepath.Join(dir, "library.db"), 4, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	usersPath := filepath.Join(dir, "users.toml")
	require.NoError(t, os.WriteFile(usersPath, []byte("[[users]]\nusername = \"alice\"\npassword = \"pw\"\n"), 0600))
	users, err := library.NewUserStore(usersPath)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Library.Path = root

	scanner := library.NewScanner(db, library.NewExtractor(cfg.Library.SupportedFormats, logger), 2, logger)
	_, err = scanner.Scan(context.Background(), root)
	require.NoError(t, err)

	registry := session.NewRegistry(library.NewEngine(db, users, nil, logger), 2,
		session.Options{HighBitrate: true, EventBuffer: 64}, time.Minute, logger)
	srv := NewServer(cfg, registry, db, scanner, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	// Registered last so it runs first and ends open streams.
	t.Cleanup(func() { registry.Close(context.Background()) })

	return &testEnv{server: srv, http: ts, registry: registry, db: db, root: root}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	id, _ := body["sessionId"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "created", body["state"])
	return id
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t)

	resp := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[HealthStatus](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 2, health.Tracks)
	assert.Equal(t, 1, health.Sessions)

	require.NoError(t, os.RemoveAll(env.root))
	resp = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	health = decode[HealthStatus](t, resp)
	assert.Equal(t, "error", health.Storage)
}

func TestCatalogueEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/tracks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tracks := decode[[]map[string]any](t, resp)
	require.Len(t, tracks, 2)
	for _, tr := range tracks {
		assert.True(t, strings.HasPrefix(tr["uri"].(string), "spotify:track:"))
		assert.NotContains(t, tr, "FilePath")
	}

	resp = env.do(t, http.MethodGet, "/api/tracks?search=zzz", nil)
	assert.Empty(t, decode[[]map[string]any](t, resp))

	resp = env.do(t, http.MethodGet, "/api/tracks?search="+strings.Repeat("x", 1001), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	id := library.TrackID(filepath.Join(env.root, "a.wav"))
	resp = env.do(t, http.MethodGet, "/api/tracks/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a", decode[map[string]any](t, resp)["title"])

	resp = env.do(t, http.MethodGet, "/api/tracks/"+strings.Repeat("0", 32), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/albums", nil)
	albums := decode[[]map[string]any](t, resp)
	require.Len(t, albums, 1)
	assert.EqualValues(t, 2, albums[0]["trackCount"])

	albumID := albums[0]["albumId"].(string)
	resp = env.do(t, http.MethodGet, "/api/albums/"+albumID+"/tracks", nil)
	albumTracks := decode[[]map[string]any](t, resp)
	require.Len(t, albumTracks, 2)
	assert.Equal(t, "a", albumTracks[0]["title"])
	assert.Equal(t, "b", albumTracks[1]["title"])

	resp = env.do(t, http.MethodGet, "/api/albums/"+strings.Repeat("0", 32)+"/tracks", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScanLibrary(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.Remove(filepath.Join(env.root, "b.wav")))

	resp := env.do(t, http.MethodPost, "/api/library/scan", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[library.ScanResult](t, resp)
	assert.EqualValues(t, 1, result.Removed)
	assert.EqualValues(t, 1, result.Unchanged)

	n, err := env.db.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSessionPlaysAlbumOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)
	base := "/api/sessions/" + id

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + base + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	resp := env.do(t, http.MethodPost, base+"/login", map[string]string{"username": "alice", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodPost, base+"/login", map[string]string{"username": "alice", "password": "pw"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "authenticated", decode[map[string]any](t, resp)["state"])

	albumURI := "spotify:album:" + library.AlbumID("Unknown Artist", "Unknown Album")
	resp = env.do(t, http.MethodPost, base+"/play", map[string]any{"uri": albumURI, "playAsList": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	played := decode[map[string]any](t, resp)
	assert.Equal(t, "playing", played["state"])
	assert.Equal(t, "a", played["track"].(map[string]any)["title"])

	resp = env.do(t, http.MethodGet, base+"/state", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := decode[map[string]any](t, resp)
	assert.Equal(t, "playing", state["sessionState"])

	resp = env.do(t, http.MethodGet, base+"/stream", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Len(t, data, 44+(4000+2000)*2)
	assert.Equal(t, "RIFF", string(data[:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))

	var types []string
	var titles []string
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg struct {
			Type  string         `json:"type"`
			Track map[string]any `json:"track"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "timeUpdate" {
			continue
		}
		types = append(types, msg.Type)
		if msg.Type == "track" {
			require.NotNil(t, msg.Track)
			titles = append(titles, msg.Track["title"].(string))
		}
		if msg.Type == "endOfPlaylist" {
			break
		}
	}
	assert.Equal(t, []string{"authError", "login", "track", "track", "endOfPlaylist"}, types)
	assert.Equal(t, []string{"a", "b"}, titles)

	resp = env.do(t, http.MethodGet, base+"/state", nil)
	state = decode[map[string]any](t, resp)
	assert.Equal(t, "idle", state["sessionState"])
	assert.Nil(t, state["track"])

	resp = env.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Logout closes the event socket.
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	resp = env.do(t, http.MethodGet, base+"/state", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionErrors(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)
	base := "/api/sessions/" + id
	trackURI := "spotify:track:" + library.TrackID(filepath.Join(env.root, "a.wav"))

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"invalid session id", http.MethodPost, "/api/sessions/nope/next", nil, http.StatusBadRequest},
		{"unknown session", http.MethodPost, "/api/sessions/" + "7a1f3c9e-0000-4000-8000-000000000000" + "/next", nil, http.StatusNotFound},
		{"play before login", http.MethodPost, base + "/play", map[string]any{"uri": trackURI}, http.StatusConflict},
		{"missing credentials", http.MethodPost, base + "/login", map[string]string{"username": "alice"}, http.StatusBadRequest},
		{"bad json", http.MethodPost, base + "/login", "not an object", http.StatusBadRequest},
		{"next while idle", http.MethodPost, base + "/next", nil, http.StatusConflict},
		{"stop while idle", http.MethodPost, base + "/stop", nil, http.StatusConflict},
		{"delete unknown", http.MethodDelete, "/api/sessions/7a1f3c9e-0000-4000-8000-000000000000", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	resp := env.do(t, http.MethodPost, base+"/login", map[string]string{"username": "alice", "password": "pw"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, base+"/play", map[string]any{"uri": "http://example.com"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, base+"/play", map[string]any{"uri": "spotify:track:" + strings.Repeat("0", 32)})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = env.do(t, http.MethodPost, base+"/play", map[string]any{"uri": trackURI})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, base+"/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/sessions", nil)
	listed := decode[map[string]any](t, resp)
	assert.EqualValues(t, 1, listed["count"])
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodOptions, "/api/sessions", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestPanicRecoveryMiddleware(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := &Server{config: config.DefaultConfig(), logger: logger}

	h := s.panicRecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "boom", hook.LastEntry().Data["panic"])
}

func TestRequestLoggingMiddleware(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := &Server{config: config.DefaultConfig(), logger: logger}

	h := s.requestLoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write(make([]byte, 2048))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/tracks", nil))
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, http.StatusTeapot, hook.LastEntry().Data["status"])
	assert.Equal(t, "2KB", hook.LastEntry().Data["size"])

	hook.Reset()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Empty(t, hook.AllEntries())

	s.config.Logging.RequestLogging = false
	h = s.requestLoggingMiddleware(http.NotFoundHandler())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/tracks", nil))
	assert.Empty(t, hook.AllEntries())
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{0, "0B"},
		{512, "< 1KB"},
		{2048, "2KB"},
		{3 * 1024 * 1024, "3MB"},
		{5 * 1024 * 1024 * 1024, "5GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in), "formatBytes(%d)", tt.in)
	}
}
