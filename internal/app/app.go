// Package app wires every component spec.md names into one running process:
// CoreRuntime and its collaborators, the websocket transport, and the
// operator-facing HTTP surface, following the layered config and structured
// logging setup the rest of the corpus builds its entry points on.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"muruntime/internal/config"
	"muruntime/internal/dbrepo"
	"muruntime/internal/directory"
	"muruntime/internal/httpapi"
	"muruntime/internal/messagehub"
	"muruntime/internal/observability"
	"muruntime/internal/persistence"
	"muruntime/internal/protocol"
	"muruntime/internal/runtime"
	"muruntime/internal/session"
	"muruntime/internal/telemetry"
	"muruntime/internal/token"
	"muruntime/internal/transport"
	"muruntime/internal/wal"
	"muruntime/internal/wire"
	"muruntime/logging"
	loggingSinks "muruntime/logging/sinks"
)

// Config is muserver's process-level entry point configuration. ConfigPath
// and Flags feed internal/config's layered loader; Logger and Observability
// are ambient toggles the CLI binds independently of the config file.
type Config struct {
	ConfigPath    string
	Flags         *pflag.FlagSet
	Logger        telemetry.Logger
	Observability observability.Config
}

// Run wires and starts CoreRuntime and its HTTP/websocket surface, blocking
// until the listener fails or ctx is canceled.
func Run(ctx context.Context, cfg Config) error {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	logConfig := logging.DefaultConfig()
	router, err := logging.NewRouter(logging.ClockFunc(time.Now), logConfig, []logging.NamedSink{
		{Name: "console", Sink: loggingSinks.NewConsoleSink(os.Stdout, logConfig.Console)},
	})
	if err != nil {
		return fmt.Errorf("app: construct logging router: %w", err)
	}
	defer func() {
		if cerr := router.Close(ctx); cerr != nil {
			telemetryLogger.Printf("app: close logging router: %v", cerr)
		}
	}()

	rawCfg, err := config.Load(cfg.ConfigPath, cfg.Flags)
	if err != nil {
		return fmt.Errorf("app: load config: %w", err)
	}
	resolved := rawCfg.Resolve()

	repo, err := dbrepo.Open(ctx, resolved.PostgresDSN)
	if err != nil {
		return fmt.Errorf("app: open database: %w", err)
	}
	defer repo.Close()

	journal, err := wal.Open(resolved.WAL)
	if err != nil {
		return fmt.Errorf("app: open write-ahead log: %w", err)
	}
	defer func() {
		if cerr := journal.Close(); cerr != nil {
			telemetryLogger.Printf("app: close write-ahead log: %v", cerr)
		}
	}()

	hub, err := messagehub.New(resolved.MessageHub)
	if err != nil {
		return fmt.Errorf("app: start message hub: %w", err)
	}
	defer hub.Close()

	metrics := persistence.NewMetrics(prometheus.DefaultRegisterer)
	persistWorker := persistence.New(repo, metrics, telemetryLogger, resolved.Persistence)

	codec := wire.New(wire.DefaultLimits())
	authVerifier := token.NewAuthVerifier(resolved.AuthSecret)
	routeSigner := token.NewRouteSigner(resolved.RouteSignerKey)

	// checker is nil: the HTTP session service backing account login is out
	// of scope (spec.md Non-goals), so liveness checks are skipped rather
	// than faked.
	sessions := session.NewManager(authVerifier, nil, resolved.Session)
	protocolRT := protocol.NewRuntime(codec, sessions, resolved.Protocol)

	runtimeCfg := runtime.DefaultConfig(resolved.StartingRoute)
	runtimeCfg.MapServer = resolved.MapServer

	// CoreRuntime and WorldDirectory are mutually dependent: the directory
	// needs a Launcher (only CoreRuntime is one), and CoreRuntime needs a
	// directory to route SelectCharacter/MapTransfer against. Construct
	// CoreRuntime first with no directory, then the directory naming rt as
	// its Launcher, then close the cycle with SetDirectory.
	rt := runtime.New(codec, protocolRT, sessions, nil, routeSigner, hub, persistWorker, journal, repo, telemetryLogger, router, runtimeCfg)

	dir := directory.New(resolved.Topology, rt, routeSigner, resolved.Directory)
	rt.SetDirectory(dir)

	transportSrv := transport.NewServer(rt, telemetryLogger, resolved.Transport)
	rt.SetBroadcaster(transportSrv)

	rt.Start(ctx)
	defer rt.Shutdown(ctx)

	apiHandler := httpapi.NewHandler(rt, transportSrv, persistWorker, router, telemetryLogger, resolved.HTTPAPI)

	mux := http.NewServeMux()
	mux.Handle("/ws", transportSrv)
	mux.Handle("/", apiHandler)
	if cfg.Observability.EnablePprofTrace {
		mountPprof(mux)
	}

	srv := &http.Server{Addr: resolved.ListenAddr, Handler: mux}
	telemetryLogger.Printf("app: listening on %s", srv.Addr)

	errCh := make(chan error, 1)
	go func() {
		if serveErr := srv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			return fmt.Errorf("app: shutdown http server: %w", shutdownErr)
		}
		return nil
	case serveErr := <-errCh:
		if serveErr != nil {
			return fmt.Errorf("app: serve http: %w", serveErr)
		}
		return nil
	}
}
