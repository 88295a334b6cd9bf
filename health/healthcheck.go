package health

import (
	"encoding/json"
	"net/http"

	"github.com/philBram/grafana-test/logger"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Handler struct {
	Tracer trace.Tracer
}

type Response struct {
	Status string `json:"status"`
}

const name = "healthcheck"

func NewHandler(tp trace.TracerProvider) *Handler {
	return &Handler{Tracer: tp.Tracer(name)}
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	_, span := h.Tracer.Start(r.Context(), name)
	defer span.End()

	resp := Response{Status: "OK"}
	log := logger.FromCtx(r.Context())
	log.Debug("health check", zap.String("status", resp.Status))
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(resp)
	if err != nil {
		log.Error("failed to encode response", zap.Error(err))
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
