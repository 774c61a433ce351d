package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/perfgo/smokerun/failure"
	"github.com/perfgo/smokerun/suite"
	"github.com/perfgo/smokerun/watchdog"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

const AppName = "smokerun"

type App struct {
	logger zerolog.Logger
	cli    *cli.App
}

func New() *App {

	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger :=
		log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339Nano,
			NoColor:    !isTerminal(os.Stderr),
		})

	app := &App{
		logger: logger,
		cli: &cli.App{
			Name:  AppName,
			Usage: "Launch a backend and the server under test, probe them, and clean up",
			Flags: append([]cli.Flag{
				&cli.BoolFlag{
					Name:    "verbose",
					Usage:   "Enable verbose (debug) logging",
					EnvVars: env("VERBOSE"),
				},
			}, rootFlags()...),
			Before: func(ctx *cli.Context) error {
				if ctx.Bool("verbose") {
					zerolog.SetGlobalLevel(zerolog.DebugLevel)
				}
				return nil
			},
			// Errors are mapped onto exit codes by main.
			ExitErrHandler: func(*cli.Context, error) {},
			OnUsageError: func(ctx *cli.Context, err error, isSubcommand bool) error {
				return failure.Configf("flags", "%v", err)
			},
		},
	}
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "run",
		Usage:  "Run the smoke suite",
		Action: app.run,
		Flags:  runFlags(),
		OnUsageError: func(ctx *cli.Context, err error, isSubcommand bool) error {
			return failure.Configf("flags", "%v", err)
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "plan",
		Usage:  "Print what run would do without creating or launching anything",
		Action: app.plan,
		Flags:  runFlags(),
		OnUsageError: func(ctx *cli.Context, err error, isSubcommand bool) error {
			return failure.Configf("flags", "%v", err)
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "list",
		Usage:  "List retained run directories",
		Action: app.list,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of results (default: 20)",
				Value:   20,
			},
			&cli.BoolFlag{
				Name:  "failed",
				Usage: "Only show failed runs",
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "prune",
		Usage:  "Apply the retention policy to the smoke root",
		Action: app.prune,
		Flags:  retentionFlags(),
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "stub-backend",
		Usage:  "Serve the stub backend (used internally by run)",
		Hidden: true,
		Action: app.stubBackend,
		Flags:  stubFlags(),
	})
	return app
}

func (a *App) Run(args []string) error {
	return a.cli.Run(args)
}

// SetVersion sets the version information for the CLI application
func (a *App) SetVersion(version, commit, date string) {
	a.cli.Version = version
	if commit != "none" && len(commit) >= 8 {
		a.cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit[:8], date)
	}
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (a *App) run(ctx *cli.Context) error {
	cfg, err := buildConfig(ctx)
	if err != nil {
		return err
	}
	a.logger.Debug().Str("config", cfg.String()).Msg("Configuration loaded")

	guard := watchdog.New(a.logger, watchdog.WithSignals())
	s := suite.New(a.logger, cfg, guard, suite.WithOutput(os.Stdout, isTerminal(os.Stdout)))
	_, err = s.Run(ctx.Context)
	return err
}

func (a *App) plan(ctx *cli.Context) error {
	cfg, err := buildConfig(ctx)
	if err != nil {
		return err
	}
	cfg.DryRun = true

	guard := watchdog.New(a.logger)
	s := suite.New(a.logger, cfg, guard, suite.WithOutput(os.Stdout, isTerminal(os.Stdout)))
	_, err = s.Run(ctx.Context)
	return err
}
