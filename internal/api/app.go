// Package api is the local control surface of the UI: plain HTTP for the
// operations and a websocket that streams the observable state.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/isqad/melody"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/broadcast"
	"github.com/isqad/livelook-signal/internal/call"
	"github.com/isqad/livelook-signal/internal/config"
	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus"
	"github.com/isqad/livelook-signal/internal/ledger"
	"github.com/isqad/livelook-signal/internal/media"
	"github.com/isqad/livelook-signal/internal/rtc"
	"github.com/isqad/livelook-signal/internal/signal"
)

// AppOptions is options of the application
type AppOptions struct {
	Config   *config.Config
	Stores   *core.Stores
	Bus      eventbus.Bus
	Factory  rtc.Factory
	Acquirer media.Acquirer
	// AuthMiddleware replaces the X-User-Id identity, e.g. in tests
	AuthMiddleware AuthHandler

	router    *chi.Mux
	websocket *melody.Melody
	clients   *Clients
	chat      *broadcast.Chat
	moderator *broadcast.Moderator
}

// App is application for API
type App struct {
	AppOptions
}

// NewApp creates a new API application
func NewApp(options AppOptions) *App {
	options.router = chi.NewRouter()
	options.websocket = melody.New()
	options.websocket.Config.MaxMessageSize = 1024

	if options.AuthMiddleware == nil {
		identity := NewIdentity()
		identity.AuthFailFunc = authFailedFunc
		options.AuthMiddleware = identity.Middleware()
	}

	conf := options.Config
	transport := signal.NewTransport(options.Stores.Signals, options.Bus)
	options.chat = broadcast.NewChat(options.Stores, options.Bus, conf.Broadcast.ReactionCooldown)
	options.moderator = broadcast.NewModerator(options.Stores, options.Bus)
	options.clients = NewClients(ClientOptions{
		Ledger:    ledger.New(options.Stores.Calls, options.Bus, conf.Timeouts.DuplicateWindow),
		Transport: transport,
		Deps: broadcast.Deps{
			Stores:    options.Stores,
			Transport: transport,
			Bus:       options.Bus,
			Factory:   options.Factory,
			Acquirer:  options.Acquirer,
			Chat:      options.chat,
		},
		CallConfig:      call.NewConfig(conf),
		BroadcastConfig: broadcast.NewConfig(conf),
	})

	app := &App{
		options,
	}
	return app
}

// Router is function for construct http router
func (app *App) Router() http.Handler {
	r := app.router
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.With(app.AuthMiddleware).Route("/", func(r chi.Router) {
		r.Get("/state", StateHandler(app.clients))
		r.Get("/ws", WebsocketsHandler(app.clients, app.Bus, app.websocket))

		r.Route("/calls", func(r chi.Router) {
			r.Post("/", CallCreateHandler(app.clients))
			r.Delete("/current", CallEndHandler(app.clients))
			r.Post("/{id}/answer", CallAnswerHandler(app.clients))
			r.Post("/{id}/decline", CallDeclineHandler(app.clients))
		})

		r.Route("/media", func(r chi.Router) {
			r.Post("/mute", MediaToggleHandler(app.clients, webrtc.RTPCodecTypeAudio))
			r.Post("/video", MediaToggleHandler(app.clients, webrtc.RTPCodecTypeVideo))
			r.Post("/camera", MediaCameraHandler(app.clients, app.Acquirer))
		})

		r.Route("/streams", func(r chi.Router) {
			r.Post("/", StreamCreateHandler(app.clients))

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", StreamShowHandler(app.Stores))
				r.Delete("/", StreamDeleteHandler(app.clients))
				r.Post("/pause", StreamPauseHandler(app.clients))
				r.Post("/resume", StreamResumeHandler(app.clients))

				r.Post("/invites", StreamInviteHandler(app.clients))
				r.Post("/accept", StreamAcceptHandler(app.clients))
				r.Post("/requests", StreamRequestHandler(app.clients))
				r.Post("/requests/{userID}/approve", StreamApproveHandler(app.clients))

				r.Post("/viewers", StreamJoinHandler(app.clients))
				r.Delete("/viewers/current", StreamLeaveHandler(app.clients))
				r.Post("/publish", StreamPublishHandler(app.clients))

				r.Get("/comments", CommentListHandler(app.chat))
				r.Post("/comments", CommentCreateHandler(app.chat))
				r.Delete("/comments/{commentID}", CommentDeleteHandler(app.moderator))
				r.Post("/comments/{commentID}/pin", CommentPinHandler(app.moderator))
				r.Delete("/pin", CommentUnpinHandler(app.moderator))
				r.Post("/reactions", ReactionCreateHandler(app.chat))

				r.Post("/participants/{userID}/mute", ParticipantMuteHandler(app.moderator))
				r.Post("/participants/{userID}/block", ParticipantBlockHandler(app.moderator))
				r.Post("/participants/{userID}/kick", ParticipantKickHandler(app.moderator))
				r.Put("/slow-mode", SlowModeHandler(app.moderator))
			})
		})
	})

	app.websocket.HandleConnect(ConnectHandler())
	app.websocket.HandleDisconnect(DisconnectHandler())
	app.websocket.HandleError(func(s *melody.Session, err error) {
		log.Error().Err(err).Str("service", "websockets").Msg("error in websocket session")
	})

	return r
}

// Close ends every call and stream the users of this app are in.
func (app *App) Close() {
	app.clients.Close()
	if err := app.websocket.Close(); err != nil {
		log.Warn().Err(err).Str("service", "api").Msg("close websockets")
	}
}

func authFailedFunc(w http.ResponseWriter, r *http.Request, err error) {
	writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
}
