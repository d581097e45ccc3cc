package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "gantry")
}

func TestStatusCommandQueriesServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"state":"ready","ready":true,"workers":[]}`))
	}))
	defer srv.Close()

	out, err := execute(t, "status", "--api-url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, `"state": "ready"`)
}

func TestStatusCommandServerDown(t *testing.T) {
	_, err := execute(t, "status", "--api-url", "http://127.0.0.1:1")
	require.Error(t, err)
}

func TestMigrateCommandRequiresTool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gantry.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[datastore]
dsn = "postgres://app@localhost:5432/app"
`), 0o600))

	_, err := execute(t, "migrate", "--config", path, "--timeout", "2s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate.tool")
}

func TestServeCommandRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gantry.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[datastore]
dsn = "postgres://app@localhost:5432/app"
`), 0o600))

	// No pool.command configured; serve must refuse to start.
	_, err := execute(t, "serve", "--config", path)
	require.Error(t, err)
}

func TestListenToURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8080", listenToURL(":8080"))
	assert.Equal(t, "http://10.0.0.1:9000", listenToURL("10.0.0.1:9000"))
	assert.Equal(t, "", listenToURL(""))
}
