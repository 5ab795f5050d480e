// Command hakoniwa manages container lifecycles against a shared on-disk
// registry: create, start, stop, destroy, clone, list, status.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/urfave/cli"

	"github.com/bdobrica/Hakoniwa/common/trace"
	"github.com/bdobrica/Hakoniwa/common/version"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/config"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/events"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/hakoerr"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/isolation"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/isolation/dockerbackend"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/isolation/process"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/lifecycle"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/query"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/registry"
)

const defaultRoot = "/var/lib/hakoniwa"

func main() {
	app := cli.NewApp()
	app.Name = "hakoniwa"
	app.Usage = "container lifecycle manager"
	app.Version = version.Info()

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "root",
			Value:  defaultRoot,
			Usage:  "registry root directory holding container descriptors",
			EnvVar: "HAKONIWA_ROOT",
		},
		cli.StringFlag{
			Name:   "events-db",
			Usage:  "path of the lifecycle event log database (default <root>/events.db, 'none' disables)",
			EnvVar: "HAKONIWA_EVENTS_DB",
		},
		cli.DurationFlag{
			Name:   "lock-timeout",
			Value:  registry.DefaultLockTimeout,
			Usage:  "how long to wait for a per-container lock before failing busy",
			EnvVar: "HAKONIWA_LOCK_TIMEOUT",
		},
		cli.StringFlag{
			Name:   "log-level",
			Value:  "info",
			Usage:  "log level ('debug', 'info', 'warn', 'error')",
			EnvVar: "HAKONIWA_LOG_LEVEL",
		},
		cli.StringFlag{
			Name:   "log-format",
			Value:  "text",
			Usage:  "log format ('text' or 'json')",
			EnvVar: "HAKONIWA_LOG_FORMAT",
		},
	}

	app.Before = func(ctx *cli.Context) error {
		configureLogging(ctx.GlobalString("log-level"), ctx.GlobalString("log-format"))
		return nil
	}

	app.Commands = []cli.Command{
		createCommand,
		startCommand,
		stopCommand,
		destroyCommand,
		cloneCommand,
		resetCommand,
		updateCommand,
		listCommand,
		statusCommand,
		eventsCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "hakoniwa: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// configureLogging installs the process-wide slog handler per flags.
func configureLogging(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// exitCode maps the error taxonomy to distinct process exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, hakoerr.ErrNotFound):
		return 3
	case errors.Is(err, hakoerr.ErrDuplicateName):
		return 4
	case errors.Is(err, hakoerr.ErrInvalidConfig):
		return 5
	case errors.Is(err, hakoerr.ErrInvalidState):
		return 6
	case errors.Is(err, hakoerr.ErrIllegalTransition):
		return 7
	case errors.Is(err, hakoerr.ErrBusy):
		return 8
	case errors.Is(err, hakoerr.ErrStartFailed):
		return 9
	case errors.Is(err, hakoerr.ErrIsolation):
		return 10
	case errors.Is(err, hakoerr.ErrIO):
		return 11
	default:
		return 1
	}
}

// opContext returns the context for one CLI operation: trace ID attached,
// cancelled on SIGINT/SIGTERM so a pending start/stop aborts cleanly instead
// of wedging a container in a transient state.
func opContext() (context.Context, context.CancelFunc) {
	ctx := trace.WithID(context.Background(), trace.NewID())
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// manager bundles the wired components for one CLI invocation. Everything is
// constructed here and injected; no package-level singletons.
type manager struct {
	registry *registry.Store
	executor *lifecycle.Executor
	query    *query.Service
	events   *events.Log
}

func newManager(ctx *cli.Context) (*manager, error) {
	root := ctx.GlobalString("root")
	reg, err := registry.New(root, registry.Options{
		LockTimeout: ctx.GlobalDuration("lock-timeout"),
	})
	if err != nil {
		return nil, err
	}

	var log *events.Log
	dbPath := ctx.GlobalString("events-db")
	if dbPath != "none" {
		if dbPath == "" {
			dbPath = filepath.Join(root, "events.db")
		}
		log, err = events.Open(dbPath)
		if err != nil {
			return nil, err
		}
	}

	resolve := backendResolver()
	return &manager{
		registry: reg,
		executor: lifecycle.New(reg, resolve, lifecycle.Options{Events: log}),
		query:    query.New(reg, resolve),
		events:   log,
	}, nil
}

func (m *manager) close() {
	if m.events != nil {
		m.events.Close()
	}
}

// backendResolver dispatches backend kind tags to lazily constructed
// backends. The docker backend only dials the engine when a docker-backed
// container is actually touched.
func backendResolver() isolation.Resolver {
	var mu sync.Mutex
	cache := make(map[string]isolation.Backend)

	return func(kind string) (isolation.Backend, error) {
		mu.Lock()
		defer mu.Unlock()
		if b, ok := cache[kind]; ok {
			return b, nil
		}
		var (
			b   isolation.Backend
			err error
		)
		switch kind {
		case config.BackendProcess:
			b = process.New(slog.Default())
		case config.BackendDocker:
			b, err = dockerbackend.New()
		default:
			return nil, fmt.Errorf("%w: unknown backend %q", hakoerr.ErrInvalidConfig, kind)
		}
		if err != nil {
			return nil, err
		}
		cache[kind] = b
		return b, nil
	}
}
