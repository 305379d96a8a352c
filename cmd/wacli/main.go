// Wacli bridges the owner's own WhatsApp account to a reasoning API.
//
// It keeps a WhatsApp Web session alive through a whatsapp-web.js
// sidecar, forwards the owner's own messages to the brain API, and
// replies with what comes back. A local HTTP control plane reports
// session status and lets scripts send messages and read history.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	wacli serve              Start the bridge and control plane
//	wacli init [dir]         Write an example config and data directory
//	wacli version            Print version and build information
//	wacli -o json version    Output version information as JSON
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
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/wacli/internal/api"
	"github.com/nugget/wacli/internal/brain"
	"github.com/nugget/wacli/internal/buildinfo"
	"github.com/nugget/wacli/internal/config"
	"github.com/nugget/wacli/internal/connwatch"
	"github.com/nugget/wacli/internal/events"
	"github.com/nugget/wacli/internal/mqtt"
	"github.com/nugget/wacli/internal/opstate"
	"github.com/nugget/wacli/internal/pairing"
	"github.com/nugget/wacli/internal/router"
	"github.com/nugget/wacli/internal/session"
	"github.com/nugget/wacli/internal/whatsapp"
)

// shutdownTimeout bounds the graceful stop of the HTTP server and the
// MQTT offline publish.
const shutdownTimeout = 5 * time.Second

// main only builds the OS-level environment and hands off to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package's globals get in the way of calling run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	if command != "init" && len(cmdArgs) > 0 {
		return fmt.Errorf("unexpected argument: %s", cmdArgs[0])
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "wacli - WhatsApp owner bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: wacli [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the bridge and control plane")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml and data dir (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/wacli/config.yaml, /etc/wacli/config.yaml")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Use wactl to talk to a running bridge.")
	return nil
}

func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting wacli", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		if errors.Is(err, config.ErrConfigNotFound) {
			fmt.Fprintln(stderr, "hint: run 'wacli init' to write a starter config.yaml")
		}
		return err
	}

	// Validate has already vetted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"bridge_url", cfg.WhatsApp.BridgeURL,
		"brain_url", cfg.Brain.URL,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Operational state ---
	// Learned self ids survive restarts here.
	dbPath := filepath.Join(cfg.DataDir, "state.db")
	store, err := opstate.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open state database %s: %w", dbPath, err)
	}
	defer store.Close()

	bus := events.New()
	state := session.New()

	wa := whatsapp.NewClient(cfg.WhatsApp.BridgeURL, logger.With("component", "whatsapp"))

	brainClient := brain.New(brain.Config{
		URL:        cfg.Brain.URL,
		Complexity: cfg.Brain.Complexity,
		Timeout:    time.Duration(cfg.Brain.TimeoutSec) * time.Second,
		RetryCount: cfg.Brain.RetryCount,
		Logger:     logger.With("component", "brain"),
	})

	selfIDs, err := router.NewSelfIDs(cfg.WhatsApp.SelfIDs, store, logger)
	if err != nil {
		return fmt.Errorf("load self ids: %w", err)
	}

	// --- Router ---
	// Without an owner nothing can be scoped. The bridge still runs so
	// the control plane can pair and send, but no message is routed.
	var format func(string) string
	if cfg.Brain.MarkdownEnabled() {
		format = whatsapp.ToWhatsApp
	}
	rtr, err := router.New(router.Config{
		Owner:     cfg.WhatsApp.Owner,
		SelfIDs:   selfIDs,
		Marker:    cfg.WhatsApp.ReplyMarker,
		Forwarder: brainClient,
		Replier:   wa,
		Format:    format,
		Events:    bus,
		Logger:    logger.With("component", "router"),
	})
	var messages chan router.InboundMessage
	switch {
	case errors.Is(err, router.ErrNoOwner):
		logger.Error("owner not configured, message routing disabled",
			"hint", "set whatsapp.owner or "+config.OwnerEnvVar)
		rtr = nil
	case err != nil:
		return fmt.Errorf("create router: %w", err)
	default:
		messages = make(chan router.InboundMessage, 16)
		logger.Info("message routing enabled", "owner", cfg.WhatsApp.Owner)
	}

	// --- Pairing ---
	pairCfg := pairing.Config{
		File:   cfg.WhatsApp.QRFile,
		Logger: logger,
	}
	if cfg.WhatsApp.TerminalQR {
		pairCfg.Terminal = stdout
	}
	renderer := pairing.New(pairCfg)

	pump := NewEventPump(PumpConfig{
		Events:   wa.Events(),
		Session:  state,
		Info:     wa,
		SelfIDs:  selfIDs,
		Pairing:  renderer,
		Messages: messages,
		Bus:      bus,
		Logger:   logger.With("component", "pump"),
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Connection resilience ---
	// Health for /health. Neither watcher gates startup; the bridge and
	// router cope with either dependency being down.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:     "brain",
		Probe:    brainClient.Ping,
		Backoff:  connwatch.DefaultBackoffConfig(),
		OnChange: healthEvents(bus, "brain"),
		Logger:   logger,
	})
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:     "whatsapp",
		Probe:    wa.Ping,
		Backoff:  connwatch.DefaultBackoffConfig(),
		OnChange: healthEvents(bus, "whatsapp"),
		Logger:   logger,
	})

	// --- Control plane ---
	plane := api.NewPlane(state, wa, bus, logger.With("component", "control"))
	srvCfg := api.Config{
		Address:        cfg.Listen.Address,
		Port:           cfg.Listen.Port,
		Plane:          plane,
		Session:        state,
		Health:         connMgr,
		Events:         bus,
		AllowedOrigins: cfg.Listen.AllowedOrigins,
		Logger:         logger.With("component", "api"),
	}
	if rtr != nil {
		srvCfg.Routing = rtr
	}
	server := api.NewServer(srvCfg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return wa.Run(gctx) })
	g.Go(func() error { return pump.Run(gctx) })
	if rtr != nil {
		g.Go(func() error { return rtr.Run(gctx, messages) })
	}

	// --- MQTT publishing ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		counters := mqtt.NewDailyCounters(nil)
		g.Go(func() error {
			counters.Run(gctx, bus)
			return nil
		})

		mqttPub = mqtt.New(cfg.MQTT, instanceID, counters, &mqttStatsAdapter{state: state}, bus, logger.With("component", "mqtt"))
		g.Go(func() error {
			// A broken broker must not take the bridge down.
			if err := mqttPub.Start(gctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
			return nil
		})

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff:  connwatch.DefaultBackoffConfig(),
			OnChange: healthEvents(bus, "mqtt"),
			Logger:   logger,
		})

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	g.Go(func() error {
		err := server.Start(gctx)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control plane: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		if mqttPub != nil {
			if err := mqttPub.Stop(stopCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(stopCtx); err != nil {
			logger.Error("control plane shutdown failed", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("wacli stopped")
	return err
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used and must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// healthEvents publishes a dependency's readiness flips on the bus.
func healthEvents(bus *events.Bus, service string) func(bool, error) {
	return func(ready bool, err error) {
		if ready {
			bus.Emit(events.SourceHealth, events.KindServiceUp, map[string]any{"service": service})
			return
		}
		data := map[string]any{"service": service}
		if err != nil {
			data["error"] = err.Error()
		}
		bus.Emit(events.SourceHealth, events.KindServiceDown, data)
	}
}

// mqttStatsAdapter feeds the MQTT sensors from runtime state.
type mqttStatsAdapter struct {
	state *session.State
}

func (a *mqttStatsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Version() string       { return buildinfo.Version }
func (a *mqttStatsAdapter) SessionPhase() string {
	return string(a.state.Snapshot().Phase)
}
