package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"lotline/internal/config"
	"lotline/internal/db"
	"lotline/internal/domain"
	"lotline/internal/engine"
	"lotline/internal/migrate"
)

const testRegistry = "reg-1"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default(testRegistry)
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.EnsureRegistry(context.Background(), testRegistry, "Test Registry", "tester"); err != nil {
		t.Fatalf("ensure registry: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func createLotHTTP(t *testing.T, srv *testServer) domain.Lot {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/registries/"+testRegistry+"/lots", map[string]any{
		"project_id":   "proj-1",
		"vintage_year": 2024,
		"quantity":     100,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create lot status %d: %s", res.StatusCode, string(data))
	}
	var lot domain.Lot
	if err := json.Unmarshal(data, &lot); err != nil {
		t.Fatalf("unmarshal lot: %v", err)
	}
	return lot
}

func addVerifiedProofHTTP(t *testing.T, srv *testServer, lotID, proofType string, scores map[string]any) {
	t.Helper()
	body := map[string]any{"type": proofType, "uri": "s3://proofs/" + proofType}
	for k, v := range scores {
		body[k] = v
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/registries/"+testRegistry+"/lots/"+lotID+"/proofs", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add proof status %d: %s", res.StatusCode, string(data))
	}
	var proof domain.Proof
	if err := json.Unmarshal(data, &proof); err != nil {
		t.Fatalf("unmarshal proof: %v", err)
	}
	verifyRes, verifyData := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/registries/"+testRegistry+"/proofs/"+proof.ID+"/verify", map[string]any{}, nil)
	if verifyRes.StatusCode != http.StatusOK {
		t.Fatalf("verify proof status %d: %s", verifyRes.StatusCode, string(verifyData))
	}
}

func transitionLotHTTP(t *testing.T, srv *testServer, lotID string, body map[string]any) domain.Lot {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/registries/"+testRegistry+"/lots/"+lotID+"/transition", body, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition lot to %v status %d: %s", body["to"], res.StatusCode, string(data))
	}
	var lot domain.Lot
	if err := json.Unmarshal(data, &lot); err != nil {
		t.Fatalf("unmarshal lot: %v", err)
	}
	return lot
}

func listedLotHTTP(t *testing.T, srv *testServer) domain.Lot {
	t.Helper()
	lot := createLotHTTP(t, srv)
	addVerifiedProofHTTP(t, srv, lot.ID, "photo", map[string]any{"exif_validation_score": 0.9})
	addVerifiedProofHTTP(t, srv, lot.ID, "ndvi", map[string]any{"ndvi_validation_score": 0.85})
	for _, to := range []string{"proofed", "pending_verification"} {
		transitionLotHTTP(t, srv, lot.ID, map[string]any{"to": to})
	}
	transitionLotHTTP(t, srv, lot.ID, map[string]any{
		"to":                 "verified",
		"verification_proof": map[string]any{"auditor": "acme"},
	})
	transitionLotHTTP(t, srv, lot.ID, map[string]any{"to": "minted"})
	return transitionLotHTTP(t, srv, lot.ID, map[string]any{
		"to":              "listed",
		"price_per_tonne": 25.0,
	})
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/registries", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestDevLoginTokenWorks(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "alice",
		"roles":    []string{"operator"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatal("expected a token")
	}

	meRes, meData := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if meRes.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", meRes.StatusCode, string(meData))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(meData, &who); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if who.ActorID != "alice" || who.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", who)
	}
}

func TestLotListingRejectedWithoutPDI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	lot := createLotHTTP(t, srv)
	addVerifiedProofHTTP(t, srv, lot.ID, "photo", map[string]any{"exif_validation_score": 0.9})
	for _, to := range []string{"proofed", "pending_verification"} {
		transitionLotHTTP(t, srv, lot.ID, map[string]any{"to": to})
	}
	transitionLotHTTP(t, srv, lot.ID, map[string]any{
		"to":                 "verified",
		"verification_proof": map[string]any{"auditor": "acme"},
	})
	transitionLotHTTP(t, srv, lot.ID, map[string]any{"to": "minted"})

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/registries/"+testRegistry+"/lots/"+lot.ID+"/transition", map[string]any{
		"to":              "listed",
		"price_per_tonne": 25.0,
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "transition_rejected" {
		t.Fatalf("expected transition_rejected, got %s", envelope.Error.Code)
	}
	if envelope.Error.Details["code"] != "insufficient_pdi" {
		t.Fatalf("expected insufficient_pdi detail, got %v", envelope.Error.Details)
	}
	if envelope.Error.Details["threshold"] != float64(70) {
		t.Fatalf("expected threshold 70, got %v", envelope.Error.Details["threshold"])
	}
}

func TestLotIllegalTransitionConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	lot := createLotHTTP(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/registries/"+testRegistry+"/lots/"+lot.ID+"/transition", map[string]any{
		"to": "listed",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "illegal_transition" {
		t.Fatalf("expected illegal_transition, got %s", envelope.Error.Code)
	}
}

func TestLotListingAndPDIEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	lot := listedLotHTTP(t, srv)
	if lot.State != "listed" {
		t.Fatalf("expected listed, got %s", lot.State)
	}
	if lot.TokenID == nil || *lot.TokenID == "" {
		t.Fatal("expected token id after minting")
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/registries/"+testRegistry+"/lots/"+lot.ID+"/pdi", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pdi status %d: %s", res.StatusCode, string(data))
	}
	var score LotScoreResponse
	if err := json.Unmarshal(data, &score); err != nil {
		t.Fatalf("unmarshal score: %v", err)
	}
	if score.PDI != 90 {
		t.Fatalf("expected PDI 90, got %d", score.PDI)
	}
	if !score.Listable {
		t.Fatal("expected listable lot")
	}
	if score.Threshold != 70 {
		t.Fatalf("expected threshold 70, got %d", score.Threshold)
	}

	// the lot read surfaces the same score the pdi endpoint computes
	if lot.PDI != score.PDI {
		t.Fatalf("lot pdi %d disagrees with score endpoint %d", lot.PDI, score.PDI)
	}
	getRes, getData := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/registries/"+testRegistry+"/lots/"+lot.ID, nil, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get lot status %d: %s", getRes.StatusCode, string(getData))
	}
	var fetched domain.Lot
	if err := json.Unmarshal(getData, &fetched); err != nil {
		t.Fatalf("unmarshal lot: %v", err)
	}
	if fetched.PDI != score.PDI {
		t.Fatalf("fetched lot pdi %d disagrees with score endpoint %d", fetched.PDI, score.PDI)
	}
}

func TestOrderSettlementOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	lot := listedLotHTTP(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/registries/"+testRegistry+"/orders", map[string]any{
		"lot_id":   lot.ID,
		"buyer_id": "buyer-1",
		"quantity": 40,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create order status %d: %s", res.StatusCode, string(data))
	}
	var order domain.Order
	if err := json.Unmarshal(data, &order); err != nil {
		t.Fatalf("unmarshal order: %v", err)
	}
	if order.PricePerTonne != 25 {
		t.Fatalf("expected price defaulted from lot, got %v", order.PricePerTonne)
	}

	for _, to := range []string{"confirmed", "processing", "completed"} {
		body := map[string]any{"to": to}
		if to == "confirmed" {
			body["payment_confirmation"] = map[string]any{"ref": "pay-1"}
		}
		if to == "completed" {
			body["delivery_confirmation"] = map[string]any{"ref": "dlv-1"}
		}
		stepRes, stepData := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/registries/"+testRegistry+"/orders/"+order.ID+"/transition", body, nil)
		if stepRes.StatusCode != http.StatusOK {
			t.Fatalf("order to %s status %d: %s", to, stepRes.StatusCode, string(stepData))
		}
	}

	lotRes, lotData := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/registries/"+testRegistry+"/lots/"+lot.ID, nil, nil)
	if lotRes.StatusCode != http.StatusOK {
		t.Fatalf("get lot status %d: %s", lotRes.StatusCode, string(lotData))
	}
	var settled domain.Lot
	if err := json.Unmarshal(lotData, &settled); err != nil {
		t.Fatalf("unmarshal lot: %v", err)
	}
	if settled.Remaining != 60 {
		t.Fatalf("expected remaining 60, got %v", settled.Remaining)
	}
}

func TestClaimWorkflowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	lot := listedLotHTTP(t, srv)
	_, orderData := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/registries/"+testRegistry+"/orders", map[string]any{
		"lot_id":   lot.ID,
		"buyer_id": "buyer-1",
		"quantity": 10,
	}, nil)
	var order domain.Order
	if err := json.Unmarshal(orderData, &order); err != nil {
		t.Fatalf("unmarshal order: %v", err)
	}
	for _, to := range []string{"confirmed", "processing", "completed"} {
		body := map[string]any{"to": to}
		if to == "confirmed" {
			body["payment_confirmation"] = map[string]any{"ref": "pay-1"}
		}
		if to == "completed" {
			body["delivery_confirmation"] = map[string]any{"ref": "dlv-1"}
		}
		stepRes, stepData := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/registries/"+testRegistry+"/orders/"+order.ID+"/transition", body, nil)
		if stepRes.StatusCode != http.StatusOK {
			t.Fatalf("order to %s status %d: %s", to, stepRes.StatusCode, string(stepData))
		}
	}

	claimRes, claimData := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/registries/"+testRegistry+"/claims", map[string]any{
		"order_id":        order.ID,
		"badge_requested": true,
	}, nil)
	if claimRes.StatusCode != http.StatusCreated {
		t.Fatalf("create claim status %d: %s", claimRes.StatusCode, string(claimData))
	}
	var claim domain.Claim
	if err := json.Unmarshal(claimData, &claim); err != nil {
		t.Fatalf("unmarshal claim: %v", err)
	}
	if claim.Step != 1 {
		t.Fatalf("expected step 1, got %d", claim.Step)
	}

	advance := func(body map[string]any) domain.Claim {
		t.Helper()
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/registries/"+testRegistry+"/claims/"+claim.ID+"/steps/advance", body, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("advance status %d: %s", res.StatusCode, string(data))
		}
		var c domain.Claim
		if err := json.Unmarshal(data, &c); err != nil {
			t.Fatalf("unmarshal claim: %v", err)
		}
		return c
	}

	advance(map[string]any{"lot_id": lot.ID})
	advance(map[string]any{
		"proof_type":   "qc",
		"file_count":   2,
		"description":  "post-retirement QC sampling",
		"capture_date": "2025-05-01",
	})
	for i := 0; i < 4; i++ {
		claim = advance(map[string]any{})
	}
	claim = advance(map[string]any{})
	if claim.Step != 8 {
		t.Fatalf("expected step 8, got %d", claim.Step)
	}
	if claim.BadgeSerial == nil {
		t.Fatal("expected badge serial")
	}
	if claim.PackFileID == nil || claim.AnchorTxID == nil {
		t.Fatalf("expected pack and anchor artifacts, got %+v", claim)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/registries/"+testRegistry+"/claims/"+claim.ID+"/steps/advance", map[string]any{}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 past final step, got %d: %s", res.StatusCode, string(data))
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Details["code"] != "workflow_complete" {
		t.Fatalf("expected workflow_complete, got %v", envelope.Error.Details)
	}
}

func TestEntityHistoryOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	lot := listedLotHTTP(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/registries/"+testRegistry+"/history/lot/"+lot.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var history HistoryResponse
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history.Steps) != 5 {
		t.Fatalf("expected 5 transitions, got %d", len(history.Steps))
	}
	if !history.Replay.Valid {
		t.Fatalf("expected valid replay: %+v", history.Replay)
	}
	if history.Replay.FinalState != "listed" {
		t.Fatalf("expected final state listed, got %s", history.Replay.FinalState)
	}
}

func TestRegistryStatusCounts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	listedLotHTTP(t, srv)
	createLotHTTP(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/registries/"+testRegistry+"/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var body struct {
		RegistryID string         `json:"registry_id"`
		LotCounts  map[string]int `json:"lot_counts"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if body.RegistryID != testRegistry {
		t.Fatalf("unexpected registry %s", body.RegistryID)
	}
	if body.LotCounts["listed"] != 1 || body.LotCounts["draft"] != 1 {
		t.Fatalf("unexpected lot counts %v", body.LotCounts)
	}
}
