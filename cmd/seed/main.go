package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"gorm.io/gorm"

	"github.com/sykell/url-monitor/internal/config"
	"github.com/sykell/url-monitor/internal/db"
	"github.com/sykell/url-monitor/internal/logger"
	"github.com/sykell/url-monitor/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "seed",
		Usage: "Create the API operator account",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Usage: "Environment file",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "username",
				Usage: "Admin username",
				Value: "admin",
			},
			&cli.StringFlag{
				Name:  "password",
				Usage: "Admin password",
				Value: "adminpass",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Force recreation of admin user",
			},
		},
		Action: seedAction,
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal().Err(err).Msg("Seeding failed")
	}
}

func seedAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("env"))
	if err != nil {
		return err
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)

	username := cmd.String("username")
	password := cmd.String("password")

	log.Info().Msg("Starting database seeding...")

	dbConn, err := db.InitDB(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	existing, err := service.GetUserByUsername(ctx, dbConn, username)
	switch {
	case err == nil:
		if !cmd.Bool("force") {
			log.Info().Str("username", username).Msg("Admin user already exists. Use --force to recreate.")
			return nil
		}
		log.Info().Str("username", username).Msg("Recreating admin user...")
		if err := service.DeleteUser(ctx, dbConn, existing.Username); err != nil {
			return err
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("failed to check existing user: %w", err)
	}

	user, err := service.CreateUser(ctx, dbConn, username, password)
	if err != nil {
		return err
	}

	log.Info().Uint("user_id", user.ID).Str("username", user.Username).Msg("Database seeding completed successfully")
	return nil
}
