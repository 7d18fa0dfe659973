package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-bridge/internal/dotenv"
	"github.com/vango-go/vai-bridge/internal/logging"
	"github.com/vango-go/vai-bridge/pkg/bridge/auth"
	"github.com/vango-go/vai-bridge/pkg/bridge/config"
	"github.com/vango-go/vai-bridge/pkg/bridge/secrets"
	bridgeserver "github.com/vango-go/vai-bridge/pkg/bridge/server"
)

var version = "dev"

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	buildDeps    func(context.Context, config.Config) (bridgeserver.Deps, io.Closer, error)
	newServer    func(config.Config, *slog.Logger, bridgeserver.Deps) *bridgeserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig: config.LoadFromEnv,
		buildDeps:  buildServerDeps,
		newServer:  bridgeserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// buildServerDeps resolves the Genesys credentials and picks the upstream
// token provider. The returned closer releases the Secret Manager client.
func buildServerDeps(ctx context.Context, cfg config.Config) (bridgeserver.Deps, io.Closer, error) {
	resolver := secrets.NewResolver()

	apiKey, err := resolver.Resolve(ctx, cfg.GenesysAPIKey)
	if err != nil {
		_ = resolver.Close()
		return bridgeserver.Deps{}, nil, fmt.Errorf("resolve GENESYS_API_KEY: %w", err)
	}
	clientSecret, err := resolver.Resolve(ctx, cfg.GenesysClientSecret)
	if err != nil {
		_ = resolver.Close()
		return bridgeserver.Deps{}, nil, fmt.Errorf("resolve GENESYS_CLIENT_SECRET: %w", err)
	}
	verifier, err := auth.NewVerifier(apiKey, clientSecret, cfg.SignatureMaxSkew)
	if err != nil {
		_ = resolver.Close()
		return bridgeserver.Deps{}, nil, err
	}

	adc := auth.NewADCTokenProvider()
	var tokens auth.TokenProvider = adc
	if cfg.AuthTokenSecretPath != "" {
		secretTokens, err := auth.NewSecretTokenProvider(cfg.AuthTokenSecretPath, cfg.TokenCacheTTL, resolver.Access)
		if err != nil {
			_ = resolver.Close()
			return bridgeserver.Deps{}, nil, err
		}
		secretTokens.UseProjectFrom(adc)
		tokens = secretTokens
	}
	return bridgeserver.Deps{Verifier: verifier, Tokens: tokens}, resolver, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func normalizeAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr != "" && !strings.Contains(addr, ":") {
		return ":" + addr
	}
	return addr
}

func runBridge(ctx context.Context, stderr io.Writer, addr string, deps bridgeDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.buildDeps == nil || deps.newServer == nil {
		return errors.New("missing server dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr = normalizeAddr(addr); addr != "" {
		cfg.Addr = addr
	}
	logger := logging.New(stderr, logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	srvDeps, closer, err := deps.buildDeps(ctx, cfg)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	bridge := deps.newServer(cfg, logger, srvDeps)
	httpSrv := buildHTTPServer(cfg, bridge.Handler())

	logger.Info("starting bridge",
		"log_type", "startup",
		"addr", cfg.Addr,
		"audio_profile", string(cfg.AudioProfile),
		"pacer_strategy", string(cfg.PacerStrategy),
		"token_source", tokenSource(cfg),
		"version", version,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		_ = httpSrv.Close()
		bridge.CancelSessions()
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "log_type", "shutdown", "signal", sig.String())
	}

	bridge.SetDraining()
	bridge.DrainSessions()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !bridge.WaitSessions(waitCtx) {
		bridge.CancelSessions()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("bridge stopped", "log_type", "shutdown")
	return nil
}

func tokenSource(cfg config.Config) string {
	if cfg.AuthTokenSecretPath != "" {
		return "secret_manager"
	}
	return "adc"
}

func newRootCmd(stdout, stderr io.Writer, deps bridgeDeps) *cobra.Command {
	var addr string

	serve := func(cmd *cobra.Command, _ []string) error {
		if err := dotenv.LoadFile(".env"); err != nil {
			return err
		}
		return runBridge(cmd.Context(), stderr, addr, deps)
	}

	root := &cobra.Command{
		Use:           "vai-bridge",
		Short:         "Bridge Genesys AudioHook calls to CES BidiRunSession",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}
	root.PersistentFlags().StringVar(&addr, "addr", "", "listen address, overrides PORT")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Accept AudioHook connections (default)",
		Args:  cobra.NoArgs,
		RunE:  serve,
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(stdout, "vai-bridge %s\n", version)
		},
	})

	root.SetOut(stdout)
	root.SetErr(stderr)
	return root
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps bridgeDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	if args == nil {
		args = []string{}
	}
	root := newRootCmd(stdout, stderr, deps)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "vai-bridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultBridgeDeps()))
}
