package server

import (
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/isqad/livelook-signal/internal/config"
	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus"
	"github.com/isqad/livelook-signal/internal/memstore"
)

// OpenDB connects to postgres through the pgx driver.
func OpenDB(conf config.StoreConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("pgx", conf.DSN)
	if err != nil {
		return nil, fmt.Errorf("server: connect db: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("server: ping db: %w", err)
	}
	return db, nil
}

// OpenStores returns the stores of the configured driver and the func that
// releases them.
func OpenStores(conf config.StoreConfig) (*core.Stores, func() error, error) {
	switch conf.Driver {
	case "memory":
		return memstore.NewStores(), func() error { return nil }, nil
	case "postgres":
		db, err := OpenDB(conf)
		if err != nil {
			return nil, nil, err
		}
		return core.NewStores(db), db.Close, nil
	default:
		return nil, nil, fmt.Errorf("server: unknown store driver %q", conf.Driver)
	}
}

func OpenBus(conf config.BusConfig) (eventbus.Bus, error) {
	switch conf.Driver {
	case "local":
		return eventbus.NewLocalBus(), nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr: conf.RedisAddr,
			DB:   conf.RedisDB,
		})
		return eventbus.RedisPubSub(rdb), nil
	case "nats":
		bus, err := eventbus.NATS(conf.NatsURL)
		if err != nil {
			return nil, fmt.Errorf("server: connect nats: %w", err)
		}
		return bus, nil
	default:
		return nil, fmt.Errorf("server: unknown bus driver %q", conf.Driver)
	}
}
