package commands

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with fresh flag values and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cfgFile, logLevel, logFormat = "", "ERROR", ""
	probeDuration, probeClass = 0, ""
	playDuration, playSeconds, playSpeed, playTick = 0, 0, 1, time.Second
	configForce = false
	for _, c := range rootCmd.Commands() {
		c.SetContext(nil) // cobra otherwise keeps a subcommand's first (cancelled) context
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := rootCmd.ExecuteContext(ctx)
	return out.String(), err
}

func mediaOrigin(t *testing.T) *httptest.Server {
	t.Helper()

	content := bytes.Repeat([]byte("0123456789abcdef"), 3*1024*1024/16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "episode.mp3", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "mediacache dev")
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "mediacache.yaml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = os.Stat(path)
	require.NoError(t, err)

	_, err = execute(t, "config", "init", path)
	assert.Error(t, err, "existing file must not be overwritten without --force")

	_, err = execute(t, "config", "init", path, "--force")
	assert.NoError(t, err)

	out, err = execute(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "budget: 48MiB")
	assert.Contains(t, out, "max_concurrent: 3")
}

func TestConfigShow_MissingFile(t *testing.T) {
	_, err := execute(t, "config", "show", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestProbeCommand(t *testing.T) {
	srv := mediaOrigin(t)

	out, err := execute(t, "probe", srv.URL+"/episode.mp3", "--duration", "300")
	require.NoError(t, err)

	assert.Contains(t, out, "3.0 MiB")
	assert.Contains(t, out, "300 KiB")
	assert.Contains(t, out, "head")
	assert.Contains(t, out, "bytes=0-307199")
}

func TestProbeCommand_NetworkClass(t *testing.T) {
	srv := mediaOrigin(t)

	out, err := execute(t, "probe", srv.URL+"/episode.mp3", "--class", "2g")
	require.NoError(t, err)

	assert.Contains(t, out, "low-bandwidth")
	assert.Contains(t, out, "200 KiB")
	assert.Contains(t, out, "unknown")
}

func TestPlayCommand(t *testing.T) {
	srv := mediaOrigin(t)

	out, err := execute(t, "play",
		srv.URL+"/a.mp3", srv.URL+"/b.mp3",
		"--duration", "300", "--seconds", "3", "--speed", "100", "--tick", "10ms")
	require.NoError(t, err)

	assert.Contains(t, out, "finished "+srv.URL+"/a.mp3")
	assert.Contains(t, out, "finished "+srv.URL+"/b.mp3")
	assert.Contains(t, out, "Fetches")
}

func TestPlayCommand_InvalidSpeed(t *testing.T) {
	_, err := execute(t, "play", "http://localhost/a.mp3", "--speed", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "speed")
}
