package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	logger "github.com/sirupsen/logrus"

	"phasedexecutor/src/auth"
	"phasedexecutor/src/controller"
	"phasedexecutor/src/handler"
	"phasedexecutor/src/repository"
)

// NewRouter builds the API surface. The engine handles trade lifecycle
// operations, the hub streams order updates to websocket clients, and the
// repositories back the read-only endpoints.
func NewRouter(engine *controller.TradeController, hub *Hub) http.Handler {
	trades := repository.NewTradeRepository()
	orders := repository.NewOrderRepository()
	templates := repository.NewTemplateRepository()
	settings := repository.NewSettingRepository()
	issues := repository.NewReconciliationRepository()
	exceptions := repository.NewExceptionRepository()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error("healthcheck write failed")
		}
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAPIKey(auth.GetConfig().APIKey))

		r.Route("/trades", func(r chi.Router) {
			r.Post("/", handler.OpenTradeHandler(engine))
			r.Get("/", handler.ListTradesHandler(trades))
			r.Get("/{id}", handler.GetTradeHandler(trades))
			r.Get("/{id}/history", handler.TradeHistoryHandler(orders))
			r.Post("/{id}/cancel", handler.CancelTradeHandler(engine))
		})

		r.Route("/templates", func(r chi.Router) {
			r.Post("/", handler.CreateTemplateHandler(templates))
			r.Get("/", handler.ListTemplatesHandler(templates))
			r.Get("/{id}", handler.GetTemplateHandler(templates))
			r.Post("/{id}/activate", handler.ActivateTemplateHandler(templates))
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/{key}", handler.GetSettingHandler(settings))
			r.Put("/{key}", handler.SetSettingHandler(settings))
		})

		r.Get("/issues", handler.ListIssuesHandler(issues))
		r.Get("/exceptions", handler.ListExceptionsHandler(exceptions))

		r.Get("/ws", hub.Handler())
	})

	return r
}

// StartServer serves the API until SIGINT or SIGTERM, then shuts down
// gracefully.
func StartServer(port string, engine *controller.TradeController, hub *Hub) {
	addr := ":" + port
	srv := &http.Server{
		Addr:    addr,
		Handler: NewRouter(engine, hub),
	}

	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server crashed")
		}
	}()

	// Shutdown on SIGINT or SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown error")
	}
}
