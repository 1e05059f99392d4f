// Package httpapi exposes the pool over REST.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/prizelink/pool_layer/internal/assets"
	"github.com/prizelink/pool_layer/internal/events"
	"github.com/prizelink/pool_layer/internal/metrics"
	"github.com/prizelink/pool_layer/internal/pool"
	"github.com/prizelink/pool_layer/internal/random"
	"github.com/prizelink/pool_layer/internal/stake"
	"github.com/prizelink/pool_layer/internal/upkeep"
	"github.com/prizelink/pool_layer/pkg/logger"
)

// Deps are the collaborators the API serves.
type Deps struct {
	Pool    *pool.Service
	Trigger *upkeep.Trigger
	Stake   stake.Ledger
	Store   pool.Store
	// Async receives external randomness fulfillments; nil in sync mode.
	Async  *random.AsyncSource
	Bus    *events.Bus
	Logger *logger.Logger
	// RandomnessToken authenticates the randomness source identity; when
	// set, fulfillments must present it in X-Randomness-Token.
	RandomnessToken string
	// AdminToken guards the administrative endpoints via X-Admin-Token
	// when set.
	AdminToken string
}

type handler struct {
	deps Deps
	log  *logger.Logger
}

// NewHandler returns a router exposing the pool REST API.
func NewHandler(deps Deps) http.Handler {
	log := deps.Logger
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{deps: deps, log: log}

	r := mux.NewRouter()
	r.Use(metrics.Middleware())

	r.HandleFunc("/v1/epoch", h.handleCurrentEpoch).Methods("GET")
	r.HandleFunc("/v1/epochs", h.handleListEpochs).Methods("GET")
	r.HandleFunc("/v1/epochs/{id}", h.handleGetEpoch).Methods("GET")
	r.HandleFunc("/v1/prize-pool", h.handlePrizePool).Methods("GET")
	r.HandleFunc("/v1/stake/{account}", h.handleStake).Methods("GET")
	r.HandleFunc("/v1/deposits", h.handleDeposit).Methods("POST")
	r.HandleFunc("/v1/redemptions", h.handleRedeem).Methods("POST")
	r.HandleFunc("/v1/upkeep", h.handleUpkeep).Methods("GET")
	r.HandleFunc("/v1/upkeep/draw", h.handleStartDraw).Methods("POST")
	r.HandleFunc("/v1/randomness/fulfillments", h.handleFulfillment).Methods("POST")
	r.HandleFunc("/v1/admin/state", h.handleChangeState).Methods("POST")
	r.HandleFunc("/v1/events", h.handleEvents).Methods("GET")
	r.HandleFunc("/healthz", h.handleHealth).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	return r
}

func (h *handler) handleCurrentEpoch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Pool.CurrentEpoch())
}

func (h *handler) handleListEpochs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	epochs, err := h.deps.Store.ListEpochs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if epochs == nil {
		epochs = []pool.Epoch{}
	}
	writeJSON(w, http.StatusOK, epochs)
}

func (h *handler) handleGetEpoch(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("epoch id must be an integer"))
		return
	}
	epoch, err := h.deps.Store.GetEpoch(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, epoch)
}

func (h *handler) handlePrizePool(w http.ResponseWriter, r *http.Request) {
	prize, err := h.deps.Pool.PrizePool(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	total, err := h.deps.Stake.TotalStake(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"prize_pool":  prize,
		"total_stake": total,
	})
}

func (h *handler) handleStake(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	held, err := h.deps.Stake.StakeOf(r.Context(), account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account": account,
		"stake":   held,
	})
}

func (h *handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Account string `json:"account"`
		Amount  int64  `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	receipt, err := h.deps.Pool.Deposit(r.Context(), payload.Account, payload.Amount)
	if err != nil {
		writeError(w, depositStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (h *handler) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Account string `json:"account"`
		Amount  int64  `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	receipt, err := h.deps.Pool.Redeem(r.Context(), payload.Account, payload.Amount)
	if err != nil {
		writeError(w, redeemStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (h *handler) handleUpkeep(w http.ResponseWriter, r *http.Request) {
	ready, err := h.deps.Trigger.CheckReady(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// The pending token is the fulfillment credential, so only its
	// presence is reported here.
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":   ready,
		"pending": h.deps.Trigger.Pending() != "",
	})
}

func (h *handler) handleStartDraw(w http.ResponseWriter, r *http.Request) {
	outcome, done, err := h.deps.Trigger.StartDraw(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pool.ErrNotReady) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	if !done {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"state":   string(pool.EpochStateAwarding),
			"pending": true,
		})
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *handler) handleFulfillment(w http.ResponseWriter, r *http.Request) {
	if h.deps.Async == nil {
		writeError(w, http.StatusNotFound, errors.New("pool runs in synchronous randomness mode"))
		return
	}
	if !tokenAuthorized(r, "X-Randomness-Token", h.deps.RandomnessToken) {
		writeError(w, http.StatusUnauthorized, errors.New("randomness source credential required"))
		return
	}

	var payload struct {
		RequestID string `json:"request_id"`
		Value     uint64 `json:"value"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.deps.Async.Fulfill(r.Context(), payload.RequestID, payload.Value); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, random.ErrUnknownRequest), errors.Is(err, upkeep.ErrNoPendingRequest):
			status = http.StatusNotFound
		case errors.Is(err, pool.ErrRequestMismatch), errors.Is(err, pool.ErrInvalidPick):
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Pool.CurrentEpoch())
}

func (h *handler) handleChangeState(w http.ResponseWriter, r *http.Request) {
	if !tokenAuthorized(r, "X-Admin-Token", h.deps.AdminToken) {
		writeError(w, http.StatusUnauthorized, errors.New("admin credential required"))
		return
	}

	var payload struct {
		State string `json:"state"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.deps.Pool.ChangeState(r.Context(), pool.EpochState(payload.State)); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pool.ErrInvalidState) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}

	h.log.WithField("state", payload.State).Warn("epoch state changed by operator")
	writeJSON(w, http.StatusOK, h.deps.Pool.CurrentEpoch())
}

func (h *handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	var recent []events.Event
	if topic := r.URL.Query().Get("topic"); topic != "" {
		recent = h.deps.Bus.RecentByTopic(topic, limit)
	} else {
		recent = h.deps.Bus.Recent(limit)
	}
	if recent == nil {
		recent = []events.Event{}
	}
	writeJSON(w, http.StatusOK, recent)
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"epoch_id": h.deps.Pool.CurrentEpoch().ID,
		"state":    string(h.deps.Pool.CurrentEpoch().State),
	})
}

func depositStatus(err error) int {
	switch {
	case errors.Is(err, pool.ErrPoolNotOpen):
		return http.StatusConflict
	case errors.Is(err, pool.ErrBelowMinimum):
		return http.StatusUnprocessableEntity
	case errors.Is(err, assets.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func redeemStatus(err error) int {
	switch {
	case errors.Is(err, pool.ErrDrawInFlight):
		return http.StatusConflict
	case errors.Is(err, pool.ErrInsufficientStake):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

// tokenAuthorized checks the shared-secret header. An empty configured token
// leaves the endpoint open (development wiring).
func tokenAuthorized(r *http.Request, header, token string) bool {
	if token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(r.Header.Get(header)), []byte(token)) == 1
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
