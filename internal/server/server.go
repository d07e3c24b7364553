// Package server runs the control API of one livelook node.
package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/api"
	"github.com/isqad/livelook-signal/internal/config"
	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus"
	"github.com/isqad/livelook-signal/internal/media"
	"github.com/isqad/livelook-signal/internal/rtc"
)

// Server owns everything opened for the node and closes it on shutdown.
type Server struct {
	conf *config.Config

	closers []func() error
}

func New(conf *config.Config) *Server {
	return &Server{conf: conf}
}

// Start serves until SIGINT or SIGTERM. Calls and streams in progress are
// ended before the store and the bus are closed.
func (s *Server) Start() error {
	quit := make(chan os.Signal, 1)
	done := make(chan struct{}, 1)

	InitLogger(s.conf.Env)
	defer s.close()

	stores, err := s.openStores()
	if err != nil {
		return err
	}
	bus, err := s.openBus()
	if err != nil {
		return err
	}
	factory, err := rtc.NewPionFactory(s.conf)
	if err != nil {
		return err
	}

	app := api.NewApp(api.AppOptions{
		Config:  s.conf,
		Stores:  stores,
		Bus:     bus,
		Factory: factory,
		Acquirer: &media.FileAcquirer{
			VideoFile: s.conf.Media.VideoFile,
			AudioFile: s.conf.Media.AudioFile,
		},
	})

	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	server := &http.Server{
		Addr:              s.conf.HTTP.Address,
		Handler:           app.Router(),
		ReadHeaderTimeout: 1 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	server.RegisterOnShutdown(func() {
		log.Warn().Str("service", "server").Msg("received signal to terminate the server")
		app.Close()
		log.Info().Str("service", "server").Msg("all calls and streams are stopped")
		close(done)
	})

	go func() {
		<-quit
		log.Warn().Str("service", "server").Msg("the server is going shutting down")

		// Wait 20 seconds for close http connections
		waitIdleConnCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		server.SetKeepAlivesEnabled(false)
		if err := server.Shutdown(waitIdleConnCtx); err != nil {
			log.Error().Err(err).Str("service", "server").Msg("can't gracefully shutdown the server")
		}
	}()

	log.Info().Str("service", "server").Str("address", s.conf.HTTP.Address).Str("store", s.conf.Store.Driver).Str("bus", s.conf.Bus.Driver).Msg("listening")

	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		app.Close()
		return err
	}

	<-done
	log.Info().Str("service", "server").Msg("server stopped")

	return nil
}

func (s *Server) openStores() (*core.Stores, error) {
	stores, closer, err := OpenStores(s.conf.Store)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, closer)
	return stores, nil
}

func (s *Server) openBus() (eventbus.Bus, error) {
	bus, err := OpenBus(s.conf.Bus)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, bus.Close)
	return bus, nil
}

func (s *Server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Warn().Err(err).Str("service", "server").Msg("close")
		}
	}
	s.closers = nil
}

func InitLogger(env core.Environment) {
	cw := zerolog.NewConsoleWriter()
	log.Logger = log.Output(cw)

	level := zerolog.InfoLevel

	if env.IsDevelopment() {
		level = zerolog.DebugLevel
	}

	zerolog.SetGlobalLevel(level)
}
