package cli

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/unirep/internal/ir"
)

func TestServe_IngestAndRead(t *testing.T) {
	t.Setenv("UREP_POLL_INTERVAL", "20ms")

	ready := make(chan string, 1)
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text", Database: filepath.Join(t.TempDir(), "serve.db")},
		Addr:        "127.0.0.1:0",
		DomainsDir:  writeDomains(t, map[string]string{"case.cue": caseDomainCUE}),
		Ready:       func(addr string) { ready <- addr },
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)
	cmd.SetOut(io.Discard)

	done := make(chan error, 1)
	go func() { done <- runServe(opts, cmd) }()

	var base string
	select {
	case addr := <-ready:
		base = "http://" + addr
	case err := <-done:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, base+"/api/events",
		strings.NewReader(`{"source":"cases","sourceDocId":"c1","currentValues":{"status":"OPEN"}}`))
	require.NoError(t, err)
	req.Header.Set("X-Tenant-ID", "t1")
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		req, err := http.NewRequest(http.MethodGet, base+"/api/domains/case/proxies/c1", nil)
		if err != nil {
			return false
		}
		req.Header.Set("X-Tenant-ID", "t1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var p ir.Proxy
		if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
			return false
		}
		return ir.Equal(ir.IRString("open"), p.DynamicFields["label"])
	}, 5*time.Second, 25*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServe_InvalidDomainsDir(t *testing.T) {
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text", Database: filepath.Join(t.TempDir(), "serve.db")},
		Addr:        "127.0.0.1:0",
		DomainsDir:  filepath.Join(t.TempDir(), "missing"),
	}
	cmd := &cobra.Command{}
	cmd.SetContext(t.Context())
	cmd.SetOut(io.Discard)

	err := runServe(opts, cmd)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
