package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mtzanidakis/swarmbridge/internal/bridge"
	"github.com/mtzanidakis/swarmbridge/internal/config"
	"github.com/mtzanidakis/swarmbridge/internal/container"
	"github.com/mtzanidakis/swarmbridge/internal/gateway"
	"github.com/mtzanidakis/swarmbridge/internal/natsbus"
	"github.com/mtzanidakis/swarmbridge/internal/process"
	"github.com/mtzanidakis/swarmbridge/internal/scheduler"
	"github.com/mtzanidakis/swarmbridge/internal/store"
	"github.com/mtzanidakis/swarmbridge/internal/swarm"
	"github.com/mtzanidakis/swarmbridge/internal/telegram"
	"github.com/mtzanidakis/swarmbridge/internal/vault"
	"github.com/mtzanidakis/swarmbridge/internal/web"
)

var version = "dev"

// logLevel is shared with the reload path.
var logLevel = new(slog.LevelVar)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("swarmbridge %s\n", version)
		return
	case "serve":
		err = runServe()
	case "call":
		err = runCall(os.Args[2:])
	case "vault":
		err = runVault(os.Args[2:])
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: swarmbridge <command>

Commands:
  serve                  Start the engine bridge service
  call <verb> [json]     Send a command to a running bridge over NATS
  vault <command>        Manage encrypted engine secrets
  backup -f <file>       Archive the state database
  restore -f <file>      Restore the state database from an archive
  version                Print version
`)
}

func setupLogging(cfg config.LoggingConfig) {
	logLevel.Set(parseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Logging)

	slog.Info("starting swarmbridge", "version", version, "runtime", cfg.Process.Runtime)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Vault secrets referenced from the engine environment
	var v *vault.Vault
	if cfg.Vault.Passphrase != "" {
		v = vault.New(cfg.Vault.Passphrase)
		env, err := v.ResolveEnv(db, cfg.Process.Env)
		if err != nil {
			return fmt.Errorf("resolve engine secrets: %w", err)
		}
		cfg.Process.Env = env
	} else {
		for k, val := range cfg.Process.Env {
			if strings.HasPrefix(val, vault.SecretPrefix) {
				return fmt.Errorf("engine env %s references a secret but no vault passphrase is set", k)
			}
		}
		slog.Warn("vault passphrase not set, secrets disabled")
	}

	// Engine launcher
	var launcher process.Launcher = process.ExecLauncher{}
	if cfg.Process.Runtime == config.RuntimeDocker {
		l, err := container.NewLauncher(cfg.Docker)
		if err != nil {
			return fmt.Errorf("init container launcher: %w", err)
		}
		launcher = l
	}

	b := bridge.New(bridge.OptionsFromConfig(cfg, process.FromConfig(cfg.Process), launcher))

	// Swarm history, subscribed before the engine starts
	recorder := swarm.NewRecorder(db)
	recorder.Start(ctx, b)

	if err := b.Initialize(ctx); err != nil {
		recorder.Stop()
		return fmt.Errorf("initialize bridge: %w", err)
	}
	slog.Info("bridge initialized", "endpoint", cfg.Endpoint())

	// Embedded NATS and the command gateway
	var client *natsbus.Client
	var gw *gateway.Gateway
	if cfg.NATS.Enabled {
		bus, err := natsbus.New(cfg.NATS)
		if err != nil {
			return fmt.Errorf("init nats: %w", err)
		}
		defer bus.Close()

		client, err = natsbus.NewClient(bus)
		if err != nil {
			return fmt.Errorf("nats client: %w", err)
		}
		defer client.Close()

		gw = gateway.New(client, b, 0)
		if err := gw.Start(); err != nil {
			return fmt.Errorf("start gateway: %w", err)
		}
		slog.Info("nats gateway started", "port", bus.Port())
	}

	// Scheduler
	sched, err := scheduler.New(b, db, client, cfg.Schedules, cfg.Scheduler.PollInterval)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	go sched.Start(ctx)

	// Telegram alerts
	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBot(cfg.Telegram, b)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		go func() {
			if err := bot.Start(ctx); err != nil {
				slog.Error("telegram bot error", "error", err)
			}
		}()
		slog.Info("telegram bot started")
	} else {
		slog.Warn("telegram token not set, alerts disabled")
	}

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(b, db, sched, client, v, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
	}

	// Wait for shutdown signal, reloading on SIGHUP
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			cfg = reload(cfg, sched)
			continue
		}
		slog.Info("shutting down", "signal", sig)
		break
	}
	signal.Stop(sigCh)

	// Cleanup
	if gw != nil {
		gw.Close()
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := b.Shutdown(shutdownCtx); err != nil {
		slog.Error("bridge shutdown", "error", err)
	}
	recorder.Stop()
	cancel()
	return nil
}

// reload applies the reloadable parts of a changed config file and returns
// the config now in effect.
func reload(cur *config.Config, sched *scheduler.Scheduler) *config.Config {
	next, err := config.Load()
	if err != nil {
		slog.Error("reload config", "error", err)
		return cur
	}

	d := config.Diff(cur, next)
	for _, field := range d.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !d.HasChanges() {
		slog.Info("config reloaded, nothing to apply")
		return cur
	}

	applied := *cur
	if d.SchedulesChanged {
		if err := sched.Reload(d.NewSchedules); err != nil {
			slog.Error("reload schedules", "error", err)
		} else {
			applied.Schedules = d.NewSchedules
		}
	}
	if d.LogLevelChanged {
		logLevel.Set(parseLevel(d.NewLogLevel))
		applied.Logging.Level = d.NewLogLevel
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	return &applied
}

func runCall(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: swarmbridge call <verb> [json-request]")
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var req gateway.Request
	if len(args) > 1 {
		if err := json.Unmarshal([]byte(args[1]), &req); err != nil {
			return fmt.Errorf("parse request: %w", err)
		}
	}

	client, err := natsbus.NewClientFromURL(fmt.Sprintf("nats://127.0.0.1:%d", cfg.NATS.Port))
	if err != nil {
		return err
	}
	defer client.Close()

	timeout := cfg.Bridge.CommandTimeout + 5*time.Second
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs)*time.Millisecond + 5*time.Second
	}

	var reply json.RawMessage
	if err := client.RequestJSON(natsbus.TopicBridgeCommand(args[0]), req, &reply, timeout); err != nil {
		return fmt.Errorf("call %s: %w", args[0], err)
	}

	var r gateway.Reply
	if err := json.Unmarshal(reply, &r); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	out, _ := json.MarshalIndent(r, "", "  ")
	fmt.Println(string(out))
	if !r.OK {
		return fmt.Errorf("%s: %s", r.Code, r.Error)
	}
	return nil
}
