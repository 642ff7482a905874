package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/hedgerun/internal/domain"
	"github.com/sawpanic/hedgerun/internal/eventlog"
	"github.com/sawpanic/hedgerun/internal/monitor"
	"github.com/sawpanic/hedgerun/internal/risk"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// Controller is the command interface of the monitoring runtime
type Controller interface {
	Monitor(ctx context.Context, req monitor.MonitorRequest) (domain.HedgeState, error)
	StopMonitor(ctx context.Context, asset string, cancel bool) (bool, error)
	HedgeNow(ctx context.Context, asset string, size float64, side domain.Side) (domain.HedgeAction, error)
	Status(asset string) (monitor.Status, error)
	Statuses() []monitor.Status
	SetThresholds(ctx context.Context, asset string, ts []domain.ThresholdConfig) error
	Portfolio() risk.PortfolioRisk
	Events(ctx context.Context, after uint64, limit int) ([]eventlog.Event, error)
	History(ctx context.Context, asset string, limit int) ([]eventlog.Event, error)
}

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// MonitorBody starts or updates monitoring of an asset
type MonitorBody struct {
	Size           *float64 `json:"size,omitempty"`
	DeltaThreshold float64  `json:"delta_threshold,omitempty"`
	Cooldown       string   `json:"cooldown,omitempty"`
}

// HedgeBody requests a manual hedge
type HedgeBody struct {
	Size float64 `json:"size"`
	Side string  `json:"side"`
}

// ThresholdBody is one threshold; cooldown is a duration string such as "300s"
type ThresholdBody struct {
	Metric      domain.Metric `json:"metric"`
	MaxAbsValue float64       `json:"max_abs_value"`
	Cooldown    string        `json:"cooldown,omitempty"`
}

// StopResponse reports whether the asset stopped immediately
type StopResponse struct {
	Asset   string `json:"asset"`
	Stopped bool   `json:"stopped"`
}

// EventsResponse is one page of the event log
type EventsResponse struct {
	Events []eventlog.Event `json:"events"`
	Next   uint64           `json:"next"`
}

type api struct {
	control Controller
}

func (a *api) listAssets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.control.Statuses())
}

func (a *api) getAsset(w http.ResponseWriter, r *http.Request) {
	st, err := a.control.Status(mux.Vars(r)["asset"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) monitorAsset(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]
	var body MonitorBody
	if !decode(w, r, &body) {
		return
	}
	cooldown, err := parseCooldown(body.Cooldown)
	if err != nil {
		writeError(w, r, badRequest(err))
		return
	}
	if _, err := a.control.Monitor(r.Context(), monitor.MonitorRequest{
		Asset:          asset,
		Size:           body.Size,
		DeltaThreshold: body.DeltaThreshold,
		Cooldown:       cooldown,
	}); err != nil {
		writeError(w, r, err)
		return
	}
	st, err := a.control.Status(asset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) stopAsset(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]
	cancel, _ := strconv.ParseBool(r.URL.Query().Get("cancel"))
	stopped, err := a.control.StopMonitor(r.Context(), asset, cancel)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !stopped {
		status = http.StatusAccepted
	}
	writeJSON(w, status, StopResponse{Asset: asset, Stopped: stopped})
}

func (a *api) hedgeAsset(w http.ResponseWriter, r *http.Request) {
	var body HedgeBody
	if !decode(w, r, &body) {
		return
	}
	side, ok := domain.ParseSide(body.Side)
	if !ok {
		writeError(w, r, badRequest(fmt.Errorf("side must be buy or sell, got %q", body.Side)))
		return
	}
	if !(body.Size > 0) {
		writeError(w, r, badRequest(fmt.Errorf("size must be positive, got %v", body.Size)))
		return
	}
	action, err := a.control.HedgeNow(r.Context(), mux.Vars(r)["asset"], body.Size, side)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, action)
}

func (a *api) putThresholds(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]
	var body []ThresholdBody
	if !decode(w, r, &body) {
		return
	}
	ts := make([]domain.ThresholdConfig, 0, len(body))
	for _, b := range body {
		cooldown, err := parseCooldown(b.Cooldown)
		if err != nil {
			writeError(w, r, badRequest(err))
			return
		}
		ts = append(ts, domain.ThresholdConfig{Asset: asset, Metric: b.Metric, MaxAbsValue: b.MaxAbsValue, CooldownPeriod: cooldown})
	}
	if err := a.control.SetThresholds(r.Context(), asset, ts); err != nil {
		writeError(w, r, err)
		return
	}
	st, err := a.control.Status(asset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]
	limit, err := queryInt(r, "limit", defaultEventLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	evs, err := a.control.History(r.Context(), asset, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if evs == nil {
		evs = []eventlog.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (a *api) events(w http.ResponseWriter, r *http.Request) {
	after, err := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)
	if err != nil && r.URL.Query().Get("after") != "" {
		writeError(w, r, badRequest(fmt.Errorf("after: %w", err)))
		return
	}
	limit, err := queryInt(r, "limit", defaultEventLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	evs, err := a.control.Events(r.Context(), after, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := EventsResponse{Events: evs, Next: after}
	if resp.Events == nil {
		resp.Events = []eventlog.Event{}
	}
	if n := len(evs); n > 0 {
		resp.Next = evs[n-1].Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) portfolio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.control.Portfolio())
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "not found", RequestID: requestID(r)})
}

type badRequestError struct{ err error }

func (e badRequestError) Error() string { return e.err.Error() }
func (e badRequestError) Unwrap() error { return e.err }

func badRequest(err error) error { return badRequestError{err: err} }

// statusFor maps runtime errors to HTTP status codes
func statusFor(err error) int {
	var br badRequestError
	var unavailable *domain.DataUnavailableError
	var invalid *domain.InvalidMarketDataError
	switch {
	case errors.As(err, &br), errors.Is(err, monitor.ErrInvalidThresholds):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotMonitored):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrHedgePending), errors.Is(err, monitor.ErrAssetBusy):
		return http.StatusConflict
	case errors.As(err, &unavailable), errors.As(err, &invalid):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", requestID(r)).Msg("Request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), RequestID: requestID(r)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, r, badRequest(fmt.Errorf("invalid body: %w", err)))
		return false
	}
	return true
}

func parseCooldown(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("cooldown: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("cooldown must not be negative, got %s", s)
	}
	return d, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, badRequest(fmt.Errorf("%s must be a positive integer", key))
	}
	if n > maxEventLimit {
		n = maxEventLimit
	}
	return n, nil
}
