// Package api serves the operator status endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"

	"github.com/susu3304/wagerbot/internal/archive"
	"github.com/susu3304/wagerbot/internal/ledger"
	"github.com/susu3304/wagerbot/internal/metrics"
	"github.com/susu3304/wagerbot/internal/session"
)

// Archive lists finished sessions, newest first.
type Archive interface {
	List(ctx context.Context, limit int) ([]archive.Record, error)
}

type API struct {
	router    *mux.Router
	store     *session.Store
	ledger    *ledger.Ledger
	archive   Archive
	bind      string
	jwtSecret []byte
	logger    *log.Entry
}

func New(bind, jwtSecret string, store *session.Store, l *ledger.Ledger, arch Archive) *API {
	api := &API{
		router:    mux.NewRouter(),
		store:     store,
		ledger:    l,
		archive:   arch,
		bind:      bind,
		jwtSecret: []byte(jwtSecret),
		logger:    log.WithField("component", "api"),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	// Public endpoints
	a.router.HandleFunc("/healthz", a.handleHealth).Methods("GET")
	a.router.Handle("/metrics", metrics.Handler()).Methods("GET")

	// Protected endpoints
	protected := a.router.PathPrefix("/api").Subrouter()
	protected.Use(a.authMiddleware)

	protected.HandleFunc("/sessions", a.handleListSessions).Methods("GET")
	protected.HandleFunc("/sessions/{channel_id}", a.handleGetSession).Methods("GET")
	protected.HandleFunc("/offers", a.handleListOffers).Methods("GET")
	protected.HandleFunc("/intents", a.handleListIntents).Methods("GET")
	protected.HandleFunc("/archive", a.handleListArchive).Methods("GET")
}

// Handler returns the router wrapped in CORS.
func (a *API) Handler() http.Handler {
	// Read-only bearer-token API; no cookies, so any origin is fine.
	corsOptions := cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}
	return cors.New(corsOptions).Handler(a.router)
}

// Start serves until ctx is cancelled.
func (a *API) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.bind,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.logger.Infof("API server listening on http://%s", a.bind)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
