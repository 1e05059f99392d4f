package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prizelink/pool_layer/internal/assets"
	"github.com/prizelink/pool_layer/internal/events"
	"github.com/prizelink/pool_layer/internal/pool"
	"github.com/prizelink/pool_layer/internal/random"
	"github.com/prizelink/pool_layer/internal/stake"
	"github.com/prizelink/pool_layer/internal/upkeep"
	"github.com/prizelink/pool_layer/internal/yield"
)

const (
	testRandomnessToken = "rand-secret"
	testAdminToken      = "admin-secret"
)

type env struct {
	ledger  *assets.MemoryLedger
	source  *yield.SimulatedSource
	stakes  *stake.MemoryLedger
	clock   *pool.FakeClock
	svc     *pool.Service
	async   *random.AsyncSource
	trigger *upkeep.Trigger
	api     http.Handler
}

func newEnv(t *testing.T, async bool) *env {
	t.Helper()
	ctx := context.Background()

	ledger := assets.NewMemoryLedger()
	source := yield.NewSimulatedSource(ledger, "yield-src")
	bus := events.NewBus(256)
	adapter := yield.NewAdapter(source, "prize-pool", bus, nil)
	stakes := stake.NewMemoryLedger()
	store := pool.NewMemoryStore()
	clock := pool.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	svc, err := pool.New(ctx, pool.Config{
		Account:       "prize-pool",
		MinDeposit:    1,
		DrawingPeriod: time.Hour,
	}, pool.Deps{
		Assets: ledger,
		Yield:  adapter,
		Stake:  stakes,
		Store:  store,
		Bus:    bus,
		Clock:  clock.Now,
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	var (
		randSource  random.Source
		asyncSource *random.AsyncSource
	)
	if async {
		asyncSource = random.NewAsyncSource()
		randSource = asyncSource
	} else {
		randSource = random.NewSyncSource(random.FixedEntropy(42))
	}
	trigger := upkeep.New(svc, randSource, upkeep.Options{Clock: clock.Now})

	api := NewHandler(Deps{
		Pool:            svc,
		Trigger:         trigger,
		Stake:           stakes,
		Store:           store,
		Async:           asyncSource,
		Bus:             bus,
		RandomnessToken: testRandomnessToken,
		AdminToken:      testAdminToken,
	})

	return &env{
		ledger:  ledger,
		source:  source,
		stakes:  stakes,
		clock:   clock,
		svc:     svc,
		async:   asyncSource,
		trigger: trigger,
		api:     api,
	}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return e.doWithHeader(t, method, path, body, "", "")
}

func (e *env) doWithHeader(t *testing.T, method, path string, body any, header, value string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if header != "" {
		req.Header.Set(header, value)
	}
	rec := httptest.NewRecorder()
	e.api.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHandleCurrentEpoch(t *testing.T) {
	e := newEnv(t, false)

	rec := e.do(t, http.MethodGet, "/v1/epoch", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	epoch := decodeBody[pool.Epoch](t, rec)
	if epoch.ID != 1 || epoch.State != pool.EpochStateOpen {
		t.Errorf("unexpected epoch: %+v", epoch)
	}
}

func TestHandleDeposit(t *testing.T) {
	e := newEnv(t, false)
	e.ledger.Credit("alice", 100)

	rec := e.do(t, http.MethodPost, "/v1/deposits", map[string]any{
		"account": "alice",
		"amount":  100,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	receipt := decodeBody[pool.DepositReceipt](t, rec)
	if receipt.Stake != 100 {
		t.Errorf("stake = %d, want 100", receipt.Stake)
	}

	rec = e.do(t, http.MethodGet, "/v1/stake/alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stake status = %d, want 200", rec.Code)
	}
	got := decodeBody[map[string]any](t, rec)
	if got["stake"].(float64) != 100 {
		t.Errorf("stake endpoint = %v, want 100", got["stake"])
	}
}

func TestHandleDeposit_Rejections(t *testing.T) {
	e := newEnv(t, false)
	e.ledger.Credit("alice", 100)

	// Unknown field
	rec := e.do(t, http.MethodPost, "/v1/deposits", map[string]any{"bogus": 1})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field: status = %d, want 400", rec.Code)
	}

	// Broke depositor
	rec = e.do(t, http.MethodPost, "/v1/deposits", map[string]any{
		"account": "mallory",
		"amount":  100,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("insufficient funds: status = %d, want 422", rec.Code)
	}

	// Pool not open
	if err := e.svc.ChangeState(context.Background(), pool.EpochStateClosed); err != nil {
		t.Fatalf("change state: %v", err)
	}
	rec = e.do(t, http.MethodPost, "/v1/deposits", map[string]any{
		"account": "alice",
		"amount":  100,
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("closed pool: status = %d, want 409", rec.Code)
	}
}

func TestHandleRedeem(t *testing.T) {
	e := newEnv(t, false)
	e.ledger.Credit("alice", 100)
	if _, err := e.svc.Deposit(context.Background(), "alice", 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	rec := e.do(t, http.MethodPost, "/v1/redemptions", map[string]any{
		"account": "alice",
		"amount":  40,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	receipt := decodeBody[pool.RedeemReceipt](t, rec)
	if receipt.Stake != 60 {
		t.Errorf("remaining stake = %d, want 60", receipt.Stake)
	}

	rec = e.do(t, http.MethodPost, "/v1/redemptions", map[string]any{
		"account": "alice",
		"amount":  61,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("over-redeem: status = %d, want 422", rec.Code)
	}
}

func TestHandleUpkeepAndDraw_Sync(t *testing.T) {
	e := newEnv(t, false)
	e.ledger.Credit("alice", 10)
	if _, err := e.svc.Deposit(context.Background(), "alice", 10); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := e.source.Accrue("prize-pool", 5); err != nil {
		t.Fatalf("accrue: %v", err)
	}

	rec := e.do(t, http.MethodGet, "/v1/upkeep", nil)
	got := decodeBody[map[string]any](t, rec)
	if got["ready"].(bool) {
		t.Error("pool must not be ready before the drawing period")
	}

	rec = e.do(t, http.MethodPost, "/v1/upkeep/draw", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("premature draw: status = %d, want 409", rec.Code)
	}

	e.clock.Advance(2 * time.Hour)
	rec = e.do(t, http.MethodPost, "/v1/upkeep/draw", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("draw: status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	outcome := decodeBody[pool.DrawOutcome](t, rec)
	if outcome.Winner != "alice" || outcome.Prize != 5 {
		t.Errorf("unexpected outcome: %+v", outcome)
	}
}

func TestHandleDrawAndFulfillment_Async(t *testing.T) {
	e := newEnv(t, true)
	e.ledger.Credit("alice", 10)
	if _, err := e.svc.Deposit(context.Background(), "alice", 10); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	e.clock.Advance(2 * time.Hour)

	rec := e.do(t, http.MethodPost, "/v1/upkeep/draw", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("draw: status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	accepted := decodeBody[map[string]any](t, rec)
	if _, leaked := accepted["request_id"]; leaked {
		t.Fatal("accepted draw must not expose the request token")
	}
	if pending, _ := accepted["pending"].(bool); !pending {
		t.Fatal("accepted draw must report a pending request")
	}

	// The token travels only through the source channel.
	requestID := e.trigger.Pending()
	if requestID == "" {
		t.Fatal("trigger must hold the pending request token")
	}
	rec = e.do(t, http.MethodGet, "/v1/upkeep", nil)
	upkeepBody := decodeBody[map[string]any](t, rec)
	if pending, _ := upkeepBody["pending"].(bool); !pending {
		t.Error("upkeep must report the pending request")
	}
	if _, leaked := upkeepBody["pending_request"]; leaked {
		t.Error("upkeep must not expose the request token")
	}

	// Uncorrelated token is rejected.
	rec = e.doWithHeader(t, http.MethodPost, "/v1/randomness/fulfillments", map[string]any{
		"request_id": "bogus",
		"value":      42,
	}, "X-Randomness-Token", testRandomnessToken)
	if rec.Code != http.StatusNotFound {
		t.Errorf("bogus fulfillment: status = %d, want 404", rec.Code)
	}

	rec = e.doWithHeader(t, http.MethodPost, "/v1/randomness/fulfillments", map[string]any{
		"request_id": requestID,
		"value":      42,
	}, "X-Randomness-Token", testRandomnessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("fulfillment: status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	epoch := decodeBody[pool.Epoch](t, rec)
	if epoch.ID != 2 || epoch.State != pool.EpochStateOpen {
		t.Errorf("next epoch must be open: %+v", epoch)
	}
}

func TestHandleFulfillment_Unauthorized(t *testing.T) {
	e := newEnv(t, true)
	e.ledger.Credit("alice", 10)
	if _, err := e.svc.Deposit(context.Background(), "alice", 10); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	e.clock.Advance(2 * time.Hour)
	if rec := e.do(t, http.MethodPost, "/v1/upkeep/draw", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("draw: status = %d, want 202", rec.Code)
	}
	requestID := e.trigger.Pending()

	body := map[string]any{"request_id": requestID, "value": 42}

	// Missing credential.
	rec := e.do(t, http.MethodPost, "/v1/randomness/fulfillments", body)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing credential: status = %d, want 401", rec.Code)
	}

	// Wrong credential.
	rec = e.doWithHeader(t, http.MethodPost, "/v1/randomness/fulfillments", body,
		"X-Randomness-Token", "guessed")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong credential: status = %d, want 401", rec.Code)
	}

	// No draw settled for the impostor.
	if e.svc.CurrentEpoch().State != pool.EpochStateAwarding {
		t.Error("unauthorized fulfillment must not advance the epoch")
	}
	if e.trigger.Pending() != requestID {
		t.Error("unauthorized fulfillment must not consume the request")
	}
}

func TestHandleFulfillment_SyncMode(t *testing.T) {
	e := newEnv(t, false)

	rec := e.do(t, http.MethodPost, "/v1/randomness/fulfillments", map[string]any{
		"request_id": "req-1",
		"value":      42,
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 in sync mode", rec.Code)
	}
}

func TestHandleChangeState(t *testing.T) {
	e := newEnv(t, false)

	rec := e.doWithHeader(t, http.MethodPost, "/v1/admin/state",
		map[string]any{"state": "closed"}, "X-Admin-Token", testAdminToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	epoch := decodeBody[pool.Epoch](t, rec)
	if epoch.State != pool.EpochStateClosed {
		t.Errorf("state = %s, want closed", epoch.State)
	}

	rec = e.doWithHeader(t, http.MethodPost, "/v1/admin/state",
		map[string]any{"state": "bogus"}, "X-Admin-Token", testAdminToken)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid state: status = %d, want 400", rec.Code)
	}
}

func TestHandleChangeState_Unauthorized(t *testing.T) {
	e := newEnv(t, false)

	rec := e.do(t, http.MethodPost, "/v1/admin/state", map[string]any{"state": "closed"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing credential: status = %d, want 401", rec.Code)
	}

	rec = e.doWithHeader(t, http.MethodPost, "/v1/admin/state",
		map[string]any{"state": "closed"}, "X-Admin-Token", "guessed")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong credential: status = %d, want 401", rec.Code)
	}

	if e.svc.CurrentEpoch().State != pool.EpochStateOpen {
		t.Error("unauthorized override must not change the epoch state")
	}
}

func TestHandleEpochHistory(t *testing.T) {
	e := newEnv(t, false)
	e.ledger.Credit("alice", 10)
	if _, err := e.svc.Deposit(context.Background(), "alice", 10); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	e.clock.Advance(2 * time.Hour)
	if _, _, err := e.trigger.StartDraw(context.Background()); err != nil {
		t.Fatalf("draw: %v", err)
	}

	rec := e.do(t, http.MethodGet, "/v1/epochs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}
	epochs := decodeBody[[]pool.Epoch](t, rec)
	if len(epochs) != 2 || epochs[0].ID != 2 {
		t.Errorf("unexpected history: %+v", epochs)
	}

	rec = e.do(t, http.MethodGet, "/v1/epochs/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec.Code)
	}
	closed := decodeBody[pool.Epoch](t, rec)
	if closed.State != pool.EpochStateClosed || closed.Winner != "alice" {
		t.Errorf("unexpected epoch 1: %+v", closed)
	}

	rec = e.do(t, http.MethodGet, "/v1/epochs/99", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing epoch: status = %d, want 404", rec.Code)
	}
}

func TestHandleEvents(t *testing.T) {
	e := newEnv(t, false)
	e.ledger.Credit("alice", 10)
	if _, err := e.svc.Deposit(context.Background(), "alice", 10); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	rec := e.do(t, http.MethodGet, "/v1/events?topic="+events.TopicDeposited, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	recent := decodeBody[[]events.Event](t, rec)
	if len(recent) != 1 {
		t.Fatalf("expected 1 deposit event, got %d", len(recent))
	}
	if recent[0].Topic != events.TopicDeposited {
		t.Errorf("topic = %s, want %s", recent[0].Topic, events.TopicDeposited)
	}
}

func TestHandleHealthAndMetrics(t *testing.T) {
	e := newEnv(t, false)

	rec := e.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}

	rec = e.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("metrics body must not be empty")
	}
}

func TestHandlePrizePool(t *testing.T) {
	e := newEnv(t, false)
	e.ledger.Credit("alice", 10)
	if _, err := e.svc.Deposit(context.Background(), "alice", 10); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := e.source.Accrue("prize-pool", 3); err != nil {
		t.Fatalf("accrue: %v", err)
	}

	rec := e.do(t, http.MethodGet, "/v1/prize-pool", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := decodeBody[map[string]int64](t, rec)
	if got["prize_pool"] != 3 || got["total_stake"] != 10 {
		t.Errorf("unexpected response: %v", got)
	}
}
