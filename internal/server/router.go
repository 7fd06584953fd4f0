package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"PerpSettle/internal/core"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/query"
	"PerpSettle/internal/types"
)

const maxCommandBody = 1 << 20

// Deps are the collaborators of the HTTP API. Hub and Health may be nil.
// Decoder authenticates every submitted command.
type Deps struct {
	Query   *query.QueryService
	Decoder *ingestion.Decoder
	Submit  chan<- core.Submission
	Hub     *EventHub
	Health  *observability.HealthChecker
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

type api struct {
	Deps
}

// NewRouter builds the HTTP API.
//
//	POST /v1/commands/{type}             submit a command
//	GET  /v1/markets                     markets with live pools
//	GET  /v1/markets/{market}
//	GET  /v1/accounts/{account}/positions?status=
//	GET  /v1/positions/{key}
//	GET  /v1/requests?account=&kind=&status=&limit=
//	GET  /v1/liquidations?account=&limit=
//	GET  /v1/balances/{token}/{account}
//	GET  /v1/status
//	GET  /v1/integrity
//	GET  /v1/stream                      websocket event stream
func NewRouter(deps Deps) http.Handler {
	a := &api{Deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.Logger))
	r.Use(instrument(deps.Metrics))

	if deps.Health != nil {
		r.Get("/healthz", deps.Health.LivenessHandler)
		r.Get("/readyz", deps.Health.ReadinessHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.With(middleware.Timeout(30*time.Second)).Post("/commands/{type}", a.submitCommand)

		r.Get("/markets", a.listMarkets)
		r.Get("/markets/{market}", a.getMarket)
		r.Get("/accounts/{account}/positions", a.listPositions)
		r.Get("/positions/{key}", a.getPosition)
		r.Get("/requests", a.listRequests)
		r.Get("/liquidations", a.listLiquidations)
		r.Get("/balances/{token}/{account}", a.getBalance)
		r.Get("/status", a.getStatus)
		r.Get("/integrity", a.getIntegrity)

		if deps.Hub != nil {
			r.Get("/stream", deps.Hub.HandleStream)
		}
	})
	return r
}

func (a *api) submitCommand(w http.ResponseWriter, r *http.Request) {
	typ, ok := ingestion.LookupCommandType(chi.URLParam(r, "type"))
	if !ok {
		writeError(w, http.StatusNotFound, types.ErrUnknownCommand.Wrap(chi.URLParam(r, "type")))
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cmd, err := a.Decoder.Decode(typ, data, r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}

	res, err := core.Submit(r.Context(), a.Submit, cmd)
	if err != nil {
		if r.Context().Err() != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) listMarkets(w http.ResponseWriter, r *http.Request) {
	page, err := a.Query.GetMarkets(r.Context())
	respond(w, page, err)
}

func (a *api) getMarket(w http.ResponseWriter, r *http.Request) {
	market, err := parseAddress(chi.URLParam(r, "market"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	m, err := a.Query.GetMarket(market)
	respond(w, m, err)
}

func (a *api) listPositions(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	page, err := a.Query.GetPositions(r.Context(), account, r.URL.Query().Get("status"))
	respond(w, page, err)
}

func (a *api) getPosition(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "key")
	if len(common.FromHex(raw)) != common.HashLength {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid position key %q", raw))
		return
	}
	p, err := a.Query.GetPosition(r.Context(), common.HexToHash(raw))
	respond(w, p, err)
}

func (a *api) listRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	f := query.RequestFilter{Kind: q.Get("kind"), Status: q.Get("status"), Limit: limit}
	if acct := q.Get("account"); acct != "" {
		addr, err := parseAddress(acct)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		f.Account = addr.Hex()
	}
	page, err := a.Query.GetRequests(r.Context(), f)
	respond(w, page, err)
}

func (a *api) listLiquidations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var account string
	if acct := q.Get("account"); acct != "" {
		addr, err := parseAddress(acct)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		account = addr.Hex()
	}
	page, err := a.Query.GetLiquidations(r.Context(), account, limit)
	respond(w, page, err)
}

func (a *api) getBalance(w http.ResponseWriter, r *http.Request) {
	token, err := parseAddress(chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := parseAddress(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Query.GetBalance(token, account))
}

func (a *api) getStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.Query.GetStatus(r.Context())
	respond(w, st, err)
}

func (a *api) getIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := a.Query.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusOK
	if !report.IsHealthy {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

// === Helpers ===

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", s)
	}
	return n, nil
}

// statusOf maps an engine error to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, query.ErrNotFound),
		errors.Is(err, types.ErrRequestNotFound),
		errors.Is(err, types.ErrMarketNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrMalformedCommand),
		errors.Is(err, types.ErrUnknownCommand):
		return http.StatusBadRequest
	}
	switch types.Classify(err) {
	case types.KindAuthorization:
		return http.StatusForbidden
	case types.KindOracle:
		return http.StatusConflict
	case types.KindValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{
		Error:  err.Error(),
		Kind:   types.Classify(err).String(),
		Reason: types.Reason(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
