package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/sykell/url-monitor/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.SetupWriter(os.Stderr, "warn", "console")

	app := &cli.Command{
		Name:  "monitorctl",
		Usage: "Manage URL monitoring jobs from the command line",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "API base URL",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("MONITOR_SERVER"),
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token for an API with authentication enabled",
				Sources: cli.EnvVars("MONITOR_TOKEN"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List jobs with the result of their latest run",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "watch",
						Usage: "Refresh the list until interrupted",
					},
					&cli.DurationFlag{
						Name:  "every",
						Usage: "Refresh period with --watch",
						Value: 15 * time.Second,
					},
				},
				Action: listAction,
			},
			{
				Name:      "add",
				Usage:     "Create a job",
				ArgsUsage: "<url>",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "interval",
						Usage: "Seconds between scheduled checks",
						Value: 3600,
					},
					&cli.StringFlag{
						Name:  "mode",
						Usage: "Fetch mode (static/dynamic/auto)",
						Value: "auto",
					},
					&cli.StringFlag{
						Name:  "webhook",
						Usage: "Alert webhook URL",
					},
				},
				Action: addAction,
			},
			{
				Name:      "run",
				Usage:     "Start a check now",
				ArgsUsage: "<job-id>",
				Action:    runAction,
			},
			{
				Name:      "delete",
				Usage:     "Delete a job and its runs",
				ArgsUsage: "<job-id>",
				Action:    deleteAction,
			},
			{
				Name:      "runs",
				Usage:     "Show the run history of a job",
				ArgsUsage: "<job-id>",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of runs",
						Value: 20,
					},
				},
				Action: runsAction,
			},
			{
				Name:  "login",
				Usage: "Print a bearer token for the given credentials",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "username",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "password",
						Required: true,
					},
				},
				Action: loginAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal().Err(err).Msg("monitorctl failed")
	}
}
