package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/assets/app.js" {
			w.Header().Set("Content-Type", "text/javascript")
			w.Write(bytes.Repeat([]byte("a"), 1024))
			return
		}
		w.Write([]byte("<html></html>"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestShellSession(t *testing.T) {
	srv := testOrigin(t)
	dir := t.TempDir()

	input := strings.Join([]string{
		"STATS",
		"INIT " + dir + " " + srv.URL,
		"FETCH /assets/app.js",
		"HAS /assets/app.js",
		"BOGUS",
		"CLEAR",
		"HAS /assets/app.js",
		"STATS",
		"CLOSE",
		"CLOSE",
	}, "\n")

	var out bytes.Buffer
	require.NoError(t, runShell(t.Context(), strings.NewReader(input), &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 10)
	assert.Equal(t, "ERROR: cache not initialized", lines[0])
	assert.Equal(t, "OK: initialized", lines[1])
	assert.Equal(t, "OK: "+srv.URL+"/assets/app.js status=200 source=NETWORK bytes=1024", lines[2])
	assert.Equal(t, "OK: true", lines[3])
	assert.Equal(t, "ERROR: unknown command: BOGUS", lines[4])
	assert.Equal(t, "OK: cleared", lines[5])
	assert.Equal(t, "OK: false", lines[6])
	assert.Equal(t, `OK: count=0 size="0 Bytes"`, lines[7])
	assert.Equal(t, "OK: closed", lines[8])
	assert.Equal(t, "ERROR: cache not initialized", lines[9])
}

func TestFetchCommand(t *testing.T) {
	srv := testOrigin(t)

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"fetch", "--base-dir", t.TempDir(), "--origin", srv.URL, "/assets/app.js"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "source=NETWORK bytes=1024")
}

func TestStatsCommandPrintsJSON(t *testing.T) {
	srv := testOrigin(t)

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"stats", "--base-dir", t.TempDir(), "--origin", srv.URL})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), `"backend": "intercept"`)
	assert.Contains(t, out.String(), `"count": 2`)
}

func TestLoadConfigFlagsOverrideEnv(t *testing.T) {
	t.Setenv("OFFLINE_CACHE_ORIGIN", "http://env.example.com")
	cfg, err := loadConfig(&cliFlags{origin: "https://flag.example.com", cacheVersion: "v3"})
	require.NoError(t, err)
	assert.Equal(t, "https://flag.example.com", cfg.Origin)
	assert.Equal(t, "v3", cfg.Version)
	assert.Equal(t, 7*24*time.Hour, cfg.MaxAge)
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "offline-cache vdev\n", out.String())
}
