// Command brop-bridge runs the browser-automation bridge: it multiplexes
// Native and Devtools-protocol clients onto a single upstream link to a
// browser extension and routes responses and tab-lifecycle events back.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/brop-dev/bridge/internal/bridgelog"
	"github.com/brop-dev/bridge/internal/calllog"
	"github.com/brop-dev/bridge/internal/config"
	"github.com/brop-dev/bridge/internal/devtools"
	"github.com/brop-dev/bridge/internal/discovery"
	"github.com/brop-dev/bridge/internal/eventbus"
	"github.com/brop-dev/bridge/internal/extlink"
	"github.com/brop-dev/bridge/internal/native"
	"github.com/brop-dev/bridge/internal/registry"
	"github.com/brop-dev/bridge/internal/state"
	"github.com/brop-dev/bridge/internal/targets"
	"github.com/brop-dev/bridge/internal/util"
	"github.com/brop-dev/bridge/internal/wire"
)

const reapInterval = 1 * time.Second

var (
	flagNativePort, flagCDPPort, flagExtPort, flagLogLimit int
	rootCmd                                                = &cobra.Command{
		Use:   "brop-bridge",
		Short: "Protocol multiplexer and session router for browser automation",
		Long: `brop-bridge sits between automation clients and a browser extension,
exposing a flat Native protocol and the Chrome DevTools Protocol over
separate WebSocket ports, and forwarding both onto one upstream link to
the extension.`,
		RunE: run,
	}
)

func init() {
	rootCmd.Flags().IntVar(&flagNativePort, "native-port", 0, "Native protocol listen port (default 9225)")
	rootCmd.Flags().IntVar(&flagCDPPort, "cdp-port", 0, "CDP listen port (default 9222)")
	rootCmd.Flags().IntVar(&flagExtPort, "ext-port", 0, "Extension inbound link port (default 9224)")
	rootCmd.Flags().IntVar(&flagLogLimit, "log-limit", 0, "call log ring size (default 1000)")
}

func flagOverrides(cmd *cobra.Command) *config.FlagOverrides {
	var f config.FlagOverrides
	if cmd.Flags().Changed("native-port") {
		f.NativePort = &flagNativePort
	}
	if cmd.Flags().Changed("cdp-port") {
		f.CDPPort = &flagCDPPort
	}
	if cmd.Flags().Changed("ext-port") {
		f.ExtPort = &flagExtPort
	}
	if cmd.Flags().Changed("log-limit") {
		f.LogLimit = &flagLogLimit
	}
	return &f
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	setupFileLogging()
	log := bridgelog.For("main")

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determine working directory: %w", err)
	}
	cfg, err := config.Load(cwd, flagOverrides(cmd))
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	log.Info("configuration loaded", "native_port", cfg.NativePort, "cdp_port", cfg.CDPPort, "ext_port", cfg.ExtPort, "log_limit", cfg.LogLimit)

	removePID := writePIDFile(cfg.ExtPort, log)
	defer removePID()

	reg := registry.New()
	bus := eventbus.New()
	tm := targets.New()
	ring := calllog.New(cfg.LogLimit)

	var nativeSrv *native.Server
	var devtoolsSrv *devtools.Server

	link := extlink.New(fmt.Sprintf("127.0.0.1:%d", cfg.ExtPort), func(f wire.Frame) {
		dispatchUpstreamFrame(f, reg, tm, bus, nativeSrv, devtoolsSrv, log)
	})

	nativeSrv = native.New(reg, link, bus, ring)
	devtoolsSrv = devtools.New(reg, link, tm, ring)
	discoverySrv := discovery.New(tm, link, bus, ring, cfg.CDPPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	util.SafeGo(func() { reapLoop(ctx, reg, nativeSrv, devtoolsSrv, log) })

	extMux := http.NewServeMux()
	extMux.Handle("/", link)

	nativeMux := http.NewServeMux()
	nativeMux.HandleFunc("/", nativeSrv.ServeHTTP)

	cdpMux := http.NewServeMux()
	discoverySrv.Register(cdpMux)
	cdpMux.HandleFunc("/devtools/", devtoolsSrv.ServeHTTP)

	servers := []*http.Server{
		{Addr: fmt.Sprintf(":%d", cfg.ExtPort), Handler: extMux},
		{Addr: fmt.Sprintf(":%d", cfg.NativePort), Handler: nativeMux},
		{Addr: fmt.Sprintf(":%d", cfg.CDPPort), Handler: cdpMux},
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			log.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen on %s: %w", srv.Addr, err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.Error("fatal listener error", "err", err)
		stop()
		shutdownAll(servers, reg)
		return err
	}

	shutdownAll(servers, reg)
	return nil
}

func shutdownAll(servers []*http.Server, reg *registry.Registry) {
	reg.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		srv.Shutdown(ctx)
	}
}

// dispatchUpstreamFrame routes one classified extension-link frame to the
// registry (responses) or to the Target & Session Manager and both
// endpoints' event fan-out (events), per spec §5's single reader/
// dispatcher design.
func dispatchUpstreamFrame(f wire.Frame, reg *registry.Registry, tm *targets.Manager, bus *eventbus.Bus, nativeSrv *native.Server, devtoolsSrv *devtools.Server, log *slog.Logger) {
	switch f.Kind {
	case wire.KindUpstreamResponse:
		var id int64
		if err := json.Unmarshal(f.Raw.ID, &id); err != nil {
			return
		}
		pr, ok := reg.Complete(id)
		if !ok {
			return // late or duplicate response; silent no-op per spec §8
		}
		var resp wire.UpstreamResponse
		if err := json.Unmarshal(f.RawData, &resp); err != nil {
			return
		}
		deliver(pr, resp.Result, resp.Error, nativeSrv, devtoolsSrv)

	case wire.KindUpstreamEvent:
		evt, detached, err := tm.TranslateUpstreamEvent(f.Raw.Method, f.Raw.Params)
		if err != nil {
			log.Warn("dropping malformed upstream event", "method", f.Raw.Method, "err", err)
			return
		}
		if evt != nil {
			bus.Publish(*evt)
		}
		devtoolsSrv.HandleUpstreamEvent(f.Raw.Method, f.Raw.Params, f.Raw.SessionID, detached)

	case wire.KindMalformed:
		log.Warn("dropping malformed upstream frame", "data", string(f.RawData))
	}
}

func reapLoop(ctx context.Context, reg *registry.Registry, nativeSrv *native.Server, devtoolsSrv *devtools.Server, log *slog.Logger) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			expired := reg.Reap(now)
			for _, pr := range expired {
				deliver(pr, nil, "Timeout", nativeSrv, devtoolsSrv)
			}
			if len(expired) > 0 {
				log.Info("reaped expired requests", "count", len(expired))
			}
		}
	}
}

// setupFileLogging tees structured logs to the bridge's log file (spec
// ambient stack) in addition to stderr. Failure to open the log file is
// non-fatal: the bridge still runs with stderr-only logging.
func setupFileLogging() {
	logPath, err := state.DefaultLogFile()
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	bridgelog.SetRoot(slog.New(slog.NewJSONHandler(io.MultiWriter(os.Stderr, f), nil)))
}

// writePIDFile records the running process's pid so operators can find and
// signal this bridge instance; it returns a cleanup func that removes the
// file on shutdown. Failure is logged and otherwise non-fatal.
func writePIDFile(extPort int, log *slog.Logger) func() {
	path, err := state.PIDFile(extPort)
	if err != nil {
		log.Warn("could not determine pid file path", "err", err)
		return func() {}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Warn("could not create pid file directory", "err", err)
		return func() {}
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		log.Warn("could not write pid file", "err", err)
		return func() {}
	}
	return func() { os.Remove(path) }
}

func deliver(pr *registry.PendingRequest, result json.RawMessage, errStr string, nativeSrv *native.Server, devtoolsSrv *devtools.Server) {
	if strings.HasPrefix(pr.ClientID, native.IDPrefix+":") {
		nativeSrv.Deliver(pr, result, errStr)
	} else {
		devtoolsSrv.Deliver(pr, result, errStr)
	}
}
