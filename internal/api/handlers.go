package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"brokerlink/internal/alert"
	"brokerlink/internal/connection"
	"brokerlink/internal/domain"
	"brokerlink/internal/engine"
	"brokerlink/internal/notify"
	"brokerlink/pkg/brokerlink"
)

type userKey struct{}

// requireUser rejects requests without the user header. Authentication
// itself happens upstream.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(brokerlink.UserHeader)
		if id == "" {
			writeError(w, fmt.Errorf("%w: missing %s header", domain.ErrAuth, brokerlink.UserHeader))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, id)))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userKey{}).(string)
	return id
}

// statusFor maps an error class to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrExternal):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encoding JSON response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeErrorBody(w, err, brokerlink.ErrorResponse{Error: err.Error()})
}

func writeErrorBody(w http.ResponseWriter, err error, body brokerlink.ErrorResponse) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid JSON body: %v", domain.ErrValidation, err)
	}
	return nil
}

// errorStrings flattens a combined error for partial-success responses.
func errorStrings(err error) []string {
	var out []string
	for _, e := range multierr.Errors(err) {
		out = append(out, e.Error())
	}
	return out
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", domain.ErrValidation, name)
	}
	return n, nil
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be an RFC3339 time", domain.ErrValidation, name)
	}
	return t, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"sandbox": s.svc.Connections.Sandbox(),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

// Brokers

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.svc.Connections.List(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]brokerlink.Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, convertConnection(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": out})
}

func (s *Server) handleConnectAlpaca(w http.ResponseWriter, r *http.Request) {
	var in connection.AlpacaInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	conn, err := s.svc.Connections.ConnectAlpaca(r.Context(), userID(r), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection": convertConnection(*conn)})
}

func (s *Server) handleConnectZerodha(w http.ResponseWriter, r *http.Request) {
	var in connection.KiteInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	conn, err := s.svc.Connections.ConnectKite(r.Context(), userID(r), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection": convertConnection(*conn)})
}

func (s *Server) handleValidateConnection(w http.ResponseWriter, r *http.Request) {
	kind, ok := domain.ParseBrokerKind(chi.URLParam(r, "broker"))
	if !ok {
		writeError(w, fmt.Errorf("%w: unknown broker %q", domain.ErrValidation, chi.URLParam(r, "broker")))
		return
	}
	conn, err := s.svc.Connections.Validate(r.Context(), userID(r), kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection": convertConnection(*conn)})
}

// Instruments

type instrumentInput struct {
	ID       string            `json:"id" validate:"required,max=80"`
	Symbol   string            `json:"symbol" validate:"required,max=40"`
	Exchange string            `json:"exchange" validate:"max=20"`
	Market   domain.Market     `json:"market" validate:"required,oneof=US IN"`
	Name     string            `json:"name" validate:"max=120"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) handleUpsertInstrument(w http.ResponseWriter, r *http.Request) {
	var in instrumentInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := domain.Validate(in); err != nil {
		writeError(w, err)
		return
	}
	inst := &domain.Instrument{ID: in.ID, Symbol: in.Symbol, Exchange: in.Exchange, Market: in.Market,
		Name: in.Name, Metadata: in.Metadata}
	if err := s.svc.Instruments.UpsertInstrument(r.Context(), inst); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instrument": convertInstrument(inst)})
}

func (s *Server) handleGetInstrument(w http.ResponseWriter, r *http.Request) {
	inst, err := s.svc.Instruments.GetInstrument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instrument": convertInstrument(inst)})
}

// Orders

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req engine.OrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.UserID = userID(r)
	order, err := s.svc.Engine.PlaceOrder(r.Context(), &req)
	if err != nil {
		writeErrorBody(w, err, brokerlink.ErrorResponse{Error: err.Error(), Order: convertOrder(order)})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"order": convertOrder(order)})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	orders, err := s.svc.Engine.ListOrders(r.Context(), userID(r), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]*brokerlink.Order, 0, len(orders))
	for i := range orders {
		out = append(out, convertOrder(&orders[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.svc.Engine.GetOrder(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": convertOrder(order)})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.svc.Engine.CancelOrder(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": convertOrder(order)})
}

func (s *Server) handleSyncOrders(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Engine.Reconcile(r.Context(), userID(r))
	if res == nil && err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convertSync(res, errorStrings(err)))
}

// Portfolio

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.svc.Engine.SyncPositions(r.Context(), userID(r))
	if positions == nil && err != nil {
		writeError(w, err)
		return
	}
	resp := brokerlink.PositionsResponse{Positions: []brokerlink.Position{}, Errors: errorStrings(err)}
	for _, p := range positions {
		resp.Positions = append(resp.Positions, convertPosition(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sums, err := s.svc.Engine.AccountSummaries(r.Context(), userID(r))
	// Per-broker failures are reported alongside the summaries that did load.
	if len(sums) == 0 && err != nil && statusFor(err) == http.StatusInternalServerError {
		writeError(w, err)
		return
	}
	resp := brokerlink.SummaryResponse{Summaries: []brokerlink.AccountSummary{}, Errors: errorStrings(err)}
	for _, sum := range sums {
		resp.Summaries = append(resp.Summaries, convertSummary(sum))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	kind, ok := domain.ParseBrokerKind(chi.URLParam(r, "broker"))
	if !ok {
		writeError(w, fmt.Errorf("%w: unknown broker %q", domain.ErrValidation, chi.URLParam(r, "broker")))
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	snaps, err := s.svc.Engine.Snapshots(r.Context(), userID(r), kind, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]brokerlink.AccountSnapshot, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, brokerlink.AccountSnapshot{AccountSummary: convertSummary(snap.Summary), TakenAt: snap.TakenAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": out})
}

// Market data

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.svc.Market.GetQuote(r.Context(), userID(r), chi.URLParam(r, "instrumentId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convertQuote(*q))
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	from, err := queryTime(r, "from")
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "instrumentId")
	tf := domain.Timeframe(r.URL.Query().Get("timeframe"))
	candles, err := s.svc.Market.GetCandles(r.Context(), userID(r), id, tf, from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := brokerlink.CandlesResponse{InstrumentID: id, Timeframe: string(tf), Candles: make([]brokerlink.Candle, 0, len(candles))}
	for _, c := range candles {
		resp.Candles = append(resp.Candles, convertCandle(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Alerts

func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var in alert.RuleInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	rule, err := s.svc.Alerts.CreateRule(r.Context(), userID(r), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"rule": convertRule(rule)})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	rules, err := s.svc.Alerts.ListRules(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]brokerlink.AlertRule, 0, len(rules))
	for i := range rules {
		out = append(out, convertRule(&rules[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": out})
}

func (s *Server) handleSetAlertEnabled(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if in.Enabled == nil {
		writeError(w, fmt.Errorf("%w: enabled is required", domain.ErrValidation))
		return
	}
	rule, err := s.svc.Alerts.SetEnabled(r.Context(), userID(r), chi.URLParam(r, "id"), *in.Enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rule": convertRule(rule)})
}

func (s *Server) handleEvaluateNow(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Alerts.EvaluateNow(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convertBatch(res))
}

// Notifications

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var in notify.DeviceInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.svc.Notifications.RegisterDevice(r.Context(), userID(r), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "device": convertDevice(*d)})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.svc.Notifications.Devices(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]brokerlink.Device, 0, len(devices))
	for _, d := range devices {
		out = append(out, convertDevice(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Notifications.UnregisterDevice(r.Context(), userID(r), chi.URLParam(r, "token")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := s.svc.Notifications.Inbox(r.Context(), userID(r), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]brokerlink.InboxEvent, 0, len(items))
	for _, it := range items {
		out = append(out, convertInboxItem(it))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}
