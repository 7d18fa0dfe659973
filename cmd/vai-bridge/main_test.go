package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/vango-go/vai-bridge/pkg/bridge/config"
	bridgeserver "github.com/vango-go/vai-bridge/pkg/bridge/server"
)

type allowAll struct{}

func (allowAll) Verify(*http.Request) bool { return true }

func stubDeps(t *testing.T, cfg config.Config) bridgeDeps {
	return bridgeDeps{
		loadConfig: func() (config.Config, error) { return cfg, nil },
		buildDeps: func(context.Context, config.Config) (bridgeserver.Deps, io.Closer, error) {
			return bridgeserver.Deps{Verifier: allowAll{}}, nil, nil
		},
		newServer:    bridgeserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), nil, io.Discard, &stderr, bridgeDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		buildDeps: func(context.Context, config.Config) (bridgeserver.Deps, io.Closer, error) {
			t.Fatalf("buildDeps should not be called when config load fails")
			return bridgeserver.Deps{}, nil, nil
		},
		newServer: func(config.Config, *slog.Logger, bridgeserver.Deps) *bridgeserver.Server {
			t.Fatalf("newServer should not be called when config load fails")
			return nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "load config: boom") {
		t.Fatalf("stderr=%q", got)
	}
}

func TestRunMain_Version(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	exitCode := runMain(context.Background(), []string{"version"}, &stdout, io.Discard, bridgeDeps{})
	if exitCode != 0 {
		t.Fatalf("exitCode=%d, want 0", exitCode)
	}
	if got := stdout.String(); got != "vai-bridge dev\n" {
		t.Fatalf("stdout=%q", got)
	}
}

func TestRunMain_AddrFlagOverridesPort(t *testing.T) {
	t.Parallel()

	var gotAddr string
	deps := stubDeps(t, config.Config{Addr: ":8080"})
	deps.buildDeps = func(_ context.Context, cfg config.Config) (bridgeserver.Deps, io.Closer, error) {
		gotAddr = cfg.Addr
		return bridgeserver.Deps{}, nil, errors.New("stop")
	}

	exitCode := runMain(context.Background(), []string{"serve", "--addr", "9090"}, io.Discard, io.Discard, deps)
	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if gotAddr != ":9090" {
		t.Fatalf("addr=%q, want %q", gotAddr, ":9090")
	}
}

func TestRunMain_StopsOnSignal(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	deps := stubDeps(t, config.Config{
		Addr:                "127.0.0.1:0",
		AudioProfile:        config.ProfileMulaw,
		ShutdownGracePeriod: time.Second,
	})
	deps.signalNotify = func(c chan<- os.Signal, sig ...os.Signal) { c <- syscall.SIGTERM }

	exitCode := runMain(context.Background(), nil, io.Discard, &stderr, deps)
	if exitCode != 0 {
		t.Fatalf("exitCode=%d stderr=%q", exitCode, stderr.String())
	}
	if !strings.Contains(stderr.String(), "bridge stopped") {
		t.Fatalf("expected shutdown log, got %q", stderr.String())
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
}

func TestBuildServerDeps_PlainCredentials(t *testing.T) {
	t.Parallel()

	deps, closer, err := buildServerDeps(context.Background(), config.Config{
		GenesysAPIKey:       "key",
		GenesysClientSecret: "c2VjcmV0",
		SignatureMaxSkew:    time.Minute,
	})
	if err != nil {
		t.Fatalf("buildServerDeps: %v", err)
	}
	defer closer.Close()
	if deps.Verifier == nil || deps.Tokens == nil {
		t.Fatalf("deps=%+v", deps)
	}

	req, _ := http.NewRequest(http.MethodGet, "http://bridge.test/", nil)
	if deps.Verifier.Verify(req) {
		t.Fatalf("expected unauthenticated request to be rejected")
	}
}

func TestBuildServerDeps_InvalidTokenSecretPath(t *testing.T) {
	t.Parallel()

	_, _, err := buildServerDeps(context.Background(), config.Config{
		GenesysAPIKey:       "key",
		GenesysClientSecret: "c2VjcmV0",
		AuthTokenSecretPath: "not-a-path",
	})
	if err == nil {
		t.Fatalf("expected error for malformed token secret path")
	}
}
