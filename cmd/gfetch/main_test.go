package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/franksops/gofetch/config"
	"github.com/franksops/gofetch/engine"
	"github.com/stretchr/testify/require"
)

var lastModified = time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)

func isolate(t *testing.T) {
	t.Helper()
	color.NoColor = true
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
}

func newServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "file.bin", lastModified, bytes.NewReader(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func runCLI(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Download(t *testing.T) {
	isolate(t)
	body := bytes.Repeat([]byte("gfetch"), 10000)
	srv := newServer(t, body)
	out := filepath.Join(t.TempDir(), "file.bin")

	code, _, stderr := runCLI(t, "", "-ui=quiet", "-checksum", srv.URL+"/file.bin", out)
	require.Equal(t, exitOK, code, stderr)
	require.Contains(t, stderr, "Download completed in")
	require.Contains(t, stderr, "CRC64 checksum: ")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, body, data)
}

func TestRun_SourceFromStdin(t *testing.T) {
	isolate(t)
	srv := newServer(t, []byte("from stdin"))
	out := filepath.Join(t.TempDir(), "file.txt")

	code, _, stderr := runCLI(t, srv.URL+"/file.txt\n", "-ui=quiet", "-", out)
	require.Equal(t, exitOK, code, stderr)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "from stdin", string(data))
}

func TestRun_Multipart(t *testing.T) {
	isolate(t)
	body := make([]byte, 50000)
	for i := range body {
		body[i] = byte(i % 251)
	}
	srv := newServer(t, body)
	out := filepath.Join(t.TempDir(), "file.bin")

	code, _, stderr := runCLI(t, "", "-ui=quiet", "-chunks=3", srv.URL+"/file.bin", out)
	require.Equal(t, exitOK, code, stderr)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, body, data)
	for i := 1; i <= 3; i++ {
		_, err := os.Stat(engine.PartPath(out, i))
		require.True(t, errors.Is(err, os.ErrNotExist))
	}
}

func TestRun_UpdateSkipsCurrentFile(t *testing.T) {
	isolate(t)
	srv := newServer(t, []byte("newer content"))
	out := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(out, []byte("local"), 0644))

	code, _, stderr := runCLI(t, "", "-ui=quiet", "-update", srv.URL+"/file.txt", out)
	require.Equal(t, exitOK, code, stderr)
	require.Contains(t, stderr, "SKIPPED")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "local", string(data))
}

func TestRun_ServerError(t *testing.T) {
	isolate(t)
	srv := newServer(t, nil)
	out := filepath.Join(t.TempDir(), "file.txt")

	code, _, stderr := runCLI(t, "", "-ui=quiet", srv.URL+"/missing", out)
	require.Equal(t, exitFailure, code)
	require.Contains(t, stderr, "Status 404")

	_, err := os.Stat(out)
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestRun_UsageErrors(t *testing.T) {
	isolate(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no arguments", nil, "Required parameter is missing"},
		{"missing output", []string{"http://example.com/"}, "Required parameter is missing"},
		{"excess argument", []string{"http://example.com/", "out", "extra"}, "excess argument"},
		{"unknown flag", []string{"-bogus", "http://example.com/", "out"}, "bogus"},
		{"insecure and crl", []string{"-insecure", "-force-crl", "http://example.com/", "out"}, "mutually exclusive"},
		{"unknown verb", []string{"-verb=PATCH", "http://example.com/", "out"}, "unknown HTTP verb"},
		{"bad scheme", []string{"gopher://example.com/", "out"}, "unsupported protocol"},
		{"history without state dir", []string{"-history"}, "-state-dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := runCLI(t, "", tt.args...)
			require.Equal(t, exitUsage, code)
			require.Contains(t, stderr, tt.want)
		})
	}
}

func TestRun_Help(t *testing.T) {
	isolate(t)
	code, _, stderr := runCLI(t, "", "-h")
	require.Equal(t, exitOK, code)
	require.Contains(t, stderr, "<source_addr> <output_file>")
	require.Contains(t, stderr, "-range-off")
}

func TestRun_History(t *testing.T) {
	isolate(t)
	srv := newServer(t, []byte("journaled"))
	stateDir := t.TempDir()
	out := filepath.Join(t.TempDir(), "file.txt")

	code, _, stderr := runCLI(t, "", "-ui=quiet", "-state-dir", stateDir, srv.URL+"/file.txt", out)
	require.Equal(t, exitOK, code, stderr)

	code, stdout, stderr := runCLI(t, "", "-history", "-state-dir", stateDir)
	require.Equal(t, exitOK, code, stderr)
	require.Contains(t, stdout, "STATE")
	require.Contains(t, stdout, "Completed")
	require.Contains(t, stdout, srv.URL+"/file.txt")
}

func TestLoadConfig_Precedence(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "gfetch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retries: 5\nchunks: 2\nuser_agent: from-file\n"), 0644))
	t.Setenv("GFETCH_RETRIES", "6")

	load := func(args ...string) *config.Config {
		cli, err := parseArgs(append([]string{"-config", path}, args...), io.Discard)
		require.NoError(t, err)
		cfg, err := loadConfig(cli)
		require.NoError(t, err)
		return cfg
	}

	cfg := load("http://example.com/", "out")
	require.Equal(t, 6, cfg.Retries)
	require.Equal(t, 2, cfg.Chunks)
	require.Equal(t, "from-file", cfg.UserAgent)
	require.Equal(t, "http://example.com/", cfg.Source)
	require.Equal(t, "out", cfg.Output)

	cfg = load("-retry=7", "-agent=from-flag", "http://example.com/", "out")
	require.Equal(t, 7, cfg.Retries)
	require.Equal(t, "from-flag", cfg.UserAgent)

	cfg = load("-no-retry", "-timeout=5s", "http://example.com/", "out")
	require.Equal(t, 0, cfg.Retries)
	require.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	require.Equal(t, 5*time.Second, cfg.ReceiveTimeout)
}

func TestLoadConfig_DefaultFile(t *testing.T) {
	isolate(t)
	home := os.Getenv("HOME")
	require.NoError(t, os.WriteFile(filepath.Join(home, ".gfetch.yaml"), []byte("ui: quiet\n"), 0644))

	cli, err := parseArgs([]string{"http://example.com/", "out"}, io.Discard)
	require.NoError(t, err)
	cfg, err := loadConfig(cli)
	require.NoError(t, err)
	require.Equal(t, config.UIQuiet, cfg.UI)
}

func TestReadStdin(t *testing.T) {
	cfg := &config.Config{Source: "-", Data: "-"}
	used, err := readStdin(cfg, strings.NewReader("http://example.com/x\na=1&b=2\n"))
	require.NoError(t, err)
	require.True(t, used)
	require.Equal(t, "http://example.com/x", cfg.Source)
	require.Equal(t, "a=1&b=2", cfg.Data)

	cfg = &config.Config{Source: "http://example.com/", Data: "x"}
	used, err = readStdin(cfg, strings.NewReader("ignored"))
	require.NoError(t, err)
	require.False(t, used)

	cfg = &config.Config{Source: "-"}
	_, err = readStdin(cfg, strings.NewReader(""))
	require.Error(t, err)
}

func TestEncodeBody(t *testing.T) {
	require.Equal(t, "", encodeBody(""))
	require.Equal(t, "a=1&b=x+y", encodeBody("b=x y&a=1"))
	require.Equal(t, "hello+world%21", encodeBody("hello world!"))
}

func TestExitCode(t *testing.T) {
	require.Equal(t, exitOK, exitCode(nil))
	require.Equal(t, exitAborted, exitCode(&engine.Error{Kind: engine.KindAborted, Op: "receive"}))
	require.Equal(t, exitAborted, exitCode(fmt.Errorf("wrapped: %w", engine.ErrAborted)))
	require.Equal(t, exitUsage, exitCode(&engine.Error{Kind: engine.KindConfig, Op: "config"}))
	require.Equal(t, exitUsage, exitCode(fmt.Errorf("%w: bad", config.ErrConfig)))
	require.Equal(t, exitFailure, exitCode(&engine.Error{Kind: engine.KindTransport, Op: "connect"}))
	require.Equal(t, exitFailure, exitCode(errors.New("boom")))
}

func TestNewJob(t *testing.T) {
	u, err := url.Parse("http://example.com/file.bin")
	require.NoError(t, err)

	job := newJob(u, &config.Config{Output: "out"})
	require.False(t, job.Ranged)

	job = newJob(u, &config.Config{Output: "out", RangeStart: 100})
	require.True(t, job.Ranged)
	require.Equal(t, int64(100), job.RangeStart)
	require.Equal(t, int64(-1), job.RangeEnd)

	job = newJob(u, &config.Config{Output: "out", RangeEnd: 99})
	require.True(t, job.Ranged)
	require.Equal(t, int64(0), job.RangeStart)
	require.Equal(t, int64(99), job.RangeEnd)
}

func TestRun_ByteRange(t *testing.T) {
	isolate(t)
	srv := newServer(t, []byte("0123456789"))
	out := filepath.Join(t.TempDir(), "slice.txt")

	code, _, stderr := runCLI(t, "", "-ui=quiet", "-range-off=2", "-range-end=5", srv.URL+"/file.bin", out)
	require.Equal(t, exitOK, code, stderr)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "2345", string(data))
}
