package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/philBram/grafana-test/logger"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Routes are the handlers mounted by NewRouter. Metrics is optional.
type Routes struct {
	RollDice http.HandlerFunc
	Health   http.HandlerFunc
	Metrics  http.Handler
}

func NewRouter(serviceName string, tp trace.TracerProvider, prop propagation.TextMapPropagator, routes Routes) *mux.Router {
	router := mux.NewRouter()
	router.Use(
		otelmux.Middleware(serviceName,
			otelmux.WithTracerProvider(tp),
			otelmux.WithPropagators(prop),
			otelmux.WithSpanNameFormatter(func(route string, r *http.Request) string {
				return r.Method + " " + route
			})),
		requestLogger,
	)

	router.HandleFunc("/rolldice", routes.RollDice).Methods(http.MethodGet)
	router.HandleFunc("/health", routes.Health).Methods(http.MethodGet)
	if routes.Metrics != nil {
		router.Handle("/metrics", routes.Metrics).Methods(http.MethodGet)
	}
	return router
}

// requestLogger attaches a logger carrying the request line to the context.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := logger.FromCtx(r.Context()).With(
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(logger.WithCtx(r.Context(), l)))
	})
}

// Run serves handler on addr until ctx is done, then shuts the server down.
func Run(ctx context.Context, addr string, handler http.Handler) error {
	zaplog := logger.Get()

	srv := &http.Server{
		Addr:         addr,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
		ReadTimeout:  time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      handler,
	}

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.ListenAndServe()
	}()
	zaplog.Info("Listening for requests", zap.String("addr", addr))

	// Wait for shutdown signal
	select {
	case err := <-srvErr:
		zaplog.Error("server error", zap.Error(err))
		return err
	case <-ctx.Done():
		zaplog.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-srvErr; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
