package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/isqad/livelook-signal/internal/config"
	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/server"
)

func main() {
	app := &cli.App{
		Name:  "livelook",
		Usage: "1:1 calls and live streams signaling node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to yaml config, LIVELOOK_* environment variables override it",
				EnvVars: []string{"LIVELOOK_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the local control API",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "create the database tables",
				Action: migrate,
			},
			{
				Name:   "cleanup",
				Usage:  "delete processed signals and expire stale call sessions",
				Action: cleanup,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	server.InitLogger(conf.Env)
	return conf, nil
}

func serve(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	return server.New(conf).Start()
}

func migrate(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	if conf.Store.Driver != "postgres" {
		log.Info().Str("service", "migrate").Str("driver", conf.Store.Driver).Msg("nothing to migrate")
		return nil
	}

	db, err := server.OpenDB(conf.Store)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(c.Context, time.Minute)
	defer cancel()

	if err := core.Migrate(ctx, db); err != nil {
		return err
	}
	log.Info().Str("service", "migrate").Msg("schema is up to date")
	return nil
}

func cleanup(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}

	stores, closer, err := server.OpenStores(conf.Store)
	if err != nil {
		return err
	}
	defer closer()

	_, err = server.Cleanup(c.Context, stores, conf.Signaling, time.Now())
	return err
}
