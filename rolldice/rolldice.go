package rolldice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/philBram/grafana-test/logger"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	name    = "dice-server"
	version = "1.0"

	minFace = 1
	maxFace = 6

	// ErrMessage is the body of every rejected request.
	ErrMessage = "Request parameter 'rolls' is missing or not a number."
)

var errNotANumber = errors.New("not a number")

// Roller is implemented by *dice.Roller.
type Roller interface {
	Roll(ctx context.Context, count, min, max int) []int
}

// Publisher receives the outcome of every successful request.
type Publisher interface {
	Publish(ctx context.Context, rolls int, results []int)
}

type Handler struct {
	Roller    Roller
	Publisher Publisher
	Metrics   Metrics
}

type Metrics struct {
	RequestDuration metric.Int64Histogram
}

func (m *Metrics) InitMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(name, metric.WithInstrumentationVersion(version))

	var err error
	m.RequestDuration, err = meter.Int64Histogram("diceServer.request.duration",
		metric.WithDescription("Duration of dice roll requests"),
		metric.WithUnit("ms"))
	return err
}

func (h *Handler) RollDice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	span := trace.SpanFromContext(ctx)
	log := logger.FromCtx(ctx)

	defer func() {
		if h.Metrics.RequestDuration != nil {
			h.Metrics.RequestDuration.Record(ctx, time.Since(start).Milliseconds())
		}
	}()

	rolls, err := parseRolls(r.URL.Query().Get("rolls"))
	if err != nil {
		log.Debug("rejected rolldice request", zap.String("rolls", r.URL.Query().Get("rolls")), zap.Error(err))
		span.SetStatus(otelcodes.Error, ErrMessage)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, ErrMessage)
		return
	}
	span.SetAttributes(attribute.Int("dice.rolls", rolls))

	results := h.Roller.Roll(ctx, rolls, minFace, maxFace)

	body, err := json.Marshal(results)
	if err != nil {
		log.Error("failed to encode rolldice response", zap.Error(err))
		span.SetStatus(otelcodes.Error, "failed to encode rolldice response")
		span.RecordError(err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(body); err != nil {
		log.Warn("failed to write rolldice response", zap.Error(err))
		span.RecordError(err)
		return
	}
	log.Debug("rolldice response", zap.Ints("results", results))

	if h.Publisher != nil {
		h.Publisher.Publish(context.WithoutCancel(ctx), rolls, results)
	}
}

// parseRolls reads the leading integer of s, ignoring leading whitespace and
// anything after the digits, so "3", " 3", "3.5" and "3abc" all give 3.
// A 0x or 0X prefix selects hexadecimal, so "0x1f" gives 31.
func parseRolls(s string) (int, error) {
	s = strings.TrimLeft(s, " \t\n\r\v\f")

	sign := ""
	if len(s) > 0 && (s[0] == '+' || s[0] == '-') {
		sign, s = s[:1], s[1:]
	}

	base, isDigit := 10, isDecimal
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		base, isDigit = 16, isHex
		s = s[2:]
	}

	end := 0
	for end < len(s) && isDigit(s[end]) {
		end++
	}
	if end == 0 {
		return 0, errNotANumber
	}

	n, err := strconv.ParseInt(sign+s[:end], base, strconv.IntSize)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func isDecimal(c byte) bool {
	return c >= '0' && c <= '9'
}

func isHex(c byte) bool {
	return isDecimal(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
