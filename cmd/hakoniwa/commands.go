package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"github.com/bdobrica/Hakoniwa/common/environment"
	"github.com/bdobrica/Hakoniwa/common/retry"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/container"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/hakoerr"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/lifecycle"
)

var createCommand = cli.Command{
	Name:      "create",
	Usage:     "register a new container from a config document",
	ArgsUsage: "<name>",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path of the hakoniwa/v1 container config (required)",
		},
	},
	Action: func(c *cli.Context) error {
		name, err := oneName(c)
		if err != nil {
			return err
		}
		configPath := c.String("config")
		if configPath == "" {
			return cli.NewExitError("create: --config is required", 2)
		}
		return withManager(c, func(ctx context.Context, m *manager) error {
			rec, err := m.executor.Create(ctx, name, configPath)
			if err != nil {
				return err
			}
			fmt.Printf("created %s (%s backend)\n", rec.Name, rec.Backend)
			return nil
		})
	},
}

var startCommand = cli.Command{
	Name:      "start",
	Usage:     "start a stopped container",
	ArgsUsage: "<name>",
	Flags:     []cli.Flag{retryFlag},
	Action: func(c *cli.Context) error {
		name, err := oneName(c)
		if err != nil {
			return err
		}
		return withManager(c, func(ctx context.Context, m *manager) error {
			return retryBusy(ctx, c, func() error {
				return m.executor.Start(ctx, name)
			})
		})
	},
}

var stopCommand = cli.Command{
	Name:      "stop",
	Usage:     "stop a running container, escalating to a forced kill on timeout",
	ArgsUsage: "<name>",
	Flags: []cli.Flag{
		cli.DurationFlag{
			Name:  "timeout, t",
			Value: lifecycle.DefaultStopTimeout,
			Usage: "graceful termination window before the container is killed",
		},
		retryFlag,
	},
	Action: func(c *cli.Context) error {
		name, err := oneName(c)
		if err != nil {
			return err
		}
		return withManager(c, func(ctx context.Context, m *manager) error {
			return retryBusy(ctx, c, func() error {
				return m.executor.Stop(ctx, name, c.Duration("timeout"))
			})
		})
	},
}

var destroyCommand = cli.Command{
	Name:      "destroy",
	Usage:     "release a stopped or aborted container and remove its registry entry",
	ArgsUsage: "<name>",
	Action: func(c *cli.Context) error {
		name, err := oneName(c)
		if err != nil {
			return err
		}
		return withManager(c, func(ctx context.Context, m *manager) error {
			return m.executor.Destroy(ctx, name)
		})
	},
}

var cloneCommand = cli.Command{
	Name:      "clone",
	Usage:     "duplicate a stopped container's config and root filesystem",
	ArgsUsage: "<source> <new-name>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.NewExitError("clone: expected <source> <new-name>", 2)
		}
		source, newName := c.Args().Get(0), c.Args().Get(1)
		return withManager(c, func(ctx context.Context, m *manager) error {
			rec, err := m.executor.Clone(ctx, source, newName)
			if err != nil {
				return err
			}
			fmt.Printf("cloned %s into %s\n", source, rec.Name)
			return nil
		})
	},
}

var resetCommand = cli.Command{
	Name:      "reset",
	Usage:     "return an aborted container to stopped",
	ArgsUsage: "<name>",
	Action: func(c *cli.Context) error {
		name, err := oneName(c)
		if err != nil {
			return err
		}
		return withManager(c, func(ctx context.Context, m *manager) error {
			return m.executor.Reset(ctx, name)
		})
	},
}

var updateCommand = cli.Command{
	Name:      "update",
	Usage:     "replace a stopped container's configuration",
	ArgsUsage: "<name>",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path of the replacement config document (required)",
		},
	},
	Action: func(c *cli.Context) error {
		name, err := oneName(c)
		if err != nil {
			return err
		}
		configPath := c.String("config")
		if configPath == "" {
			return cli.NewExitError("update: --config is required", 2)
		}
		return withManager(c, func(ctx context.Context, m *manager) error {
			_, err := m.executor.UpdateConfig(ctx, name, configPath)
			return err
		})
	},
}

var listCommand = cli.Command{
	Name:  "list",
	Usage: "list containers in name order",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "state",
			Usage: "only show containers in this lifecycle state",
		},
	},
	Action: func(c *cli.Context) error {
		return withManager(c, func(ctx context.Context, m *manager) error {
			seq := m.query.List()
			if s := c.String("state"); s != "" {
				state := container.State(s)
				if !state.Valid() {
					return cli.NewExitError(fmt.Sprintf("list: unknown state %q", s), 2)
				}
				seq = m.query.ListByState(state)
			}

			w := tabwriter.NewWriter(os.Stdout, 1, 8, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATE\tBACKEND\tCREATED")
			for rec := range seq {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					rec.Name, rec.State, rec.Backend, rec.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		})
	},
}

var statusCommand = cli.Command{
	Name:      "status",
	Usage:     "show a container's lifecycle state and live process state",
	ArgsUsage: "<name>",
	Action: func(c *cli.Context) error {
		name, err := oneName(c)
		if err != nil {
			return err
		}
		return withManager(c, func(ctx context.Context, m *manager) error {
			st, err := m.query.Status(ctx, name)
			if err != nil {
				return err
			}
			rec := st.Container
			fmt.Printf("name:    %s\n", rec.Name)
			fmt.Printf("state:   %s\n", rec.State)
			fmt.Printf("backend: %s\n", rec.Backend)
			fmt.Printf("alive:   %t\n", st.Alive)
			if rec.Handle != nil {
				fmt.Printf("handle:  %s (pid %d)\n", rec.Handle.ID, rec.Handle.Pid)
			}
			fmt.Printf("created: %s\n", rec.CreatedAt.Format(time.RFC3339))
			for _, warn := range rec.Warnings {
				fmt.Printf("warning: [%s] %s (%s)\n", warn.Kind, warn.Message, warn.At.Format(time.RFC3339))
			}
			return nil
		})
	},
}

var eventsCommand = cli.Command{
	Name:      "events",
	Usage:     "show recent lifecycle events, newest first",
	ArgsUsage: "[name]",
	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  "limit, n",
			Value: 20,
			Usage: "maximum number of events to show",
		},
	},
	Action: func(c *cli.Context) error {
		name := c.Args().First()
		return withManager(c, func(ctx context.Context, m *manager) error {
			if m.events == nil {
				return cli.NewExitError("events: event log is disabled (--events-db none)", 2)
			}
			entries, err := m.events.Recent(ctx, name, c.Int("limit"))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 1, 8, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tCONTAINER\tACTION\tTRANSITION\tRESULT\tERROR")
			for _, e := range entries {
				errMsg := ""
				if e.Error.Valid {
					errMsg = e.Error.String
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s→%s\t%s\t%s\n",
					e.Timestamp.Format(time.RFC3339), e.Container, e.Action,
					e.FromState, e.ToState, e.Result, errMsg)
			}
			return w.Flush()
		})
	},
}

var retryFlag = cli.IntFlag{
	Name:  "retry",
	Usage: "retry attempts when the container lock is busy (0 disables)",
}

// withManager wires the components for one invocation, runs fn with a
// signal-cancelled, trace-carrying context, and tears everything down.
func withManager(c *cli.Context, fn func(context.Context, *manager) error) error {
	m, err := newManager(c)
	if err != nil {
		return err
	}
	defer m.close()

	ctx, cancel := opContext()
	defer cancel()
	return fn(ctx, m)
}

// retryBusy applies caller-side backoff for ErrBusy when --retry is set.
// Only lock contention is retried; every other failure class surfaces
// immediately. HAKONIWA_RETRY_DELAY tunes the initial backoff.
func retryBusy(ctx context.Context, c *cli.Context, fn func() error) error {
	attempts := c.Int("retry")
	if attempts <= 0 {
		return fn()
	}
	return retry.Do(ctx, retry.Config{
		MaxAttempts:  attempts + 1,
		InitialDelay: environment.DurationOr("HAKONIWA_RETRY_DELAY", 500*time.Millisecond),
		MaxDelay:     5 * time.Second,
		ShouldRetry:  func(err error) bool { return errors.Is(err, hakoerr.ErrBusy) },
	}, fn)
}

func oneName(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", cli.NewExitError(fmt.Sprintf("%s: expected exactly one container name", c.Command.Name), 2)
	}
	return c.Args().First(), nil
}
