package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"escrowflow/auth"
	"escrowflow/certificate"
	"escrowflow/escrow"
	"escrowflow/feeconfig"
	"escrowflow/outbox"
	"escrowflow/settings"
	"escrowflow/vault"
)

type stubAuth struct {
	registerErr error
	loginErr    error
}

func (s *stubAuth) Register(_ context.Context, req auth.RegisterRequest) (*auth.Account, error) {
	if s.registerErr != nil {
		return nil, s.registerErr
	}
	return &auth.Account{ID: "account-1", Identity: req.Identity, Email: req.Email, Role: auth.RoleParty}, nil
}

func (s *stubAuth) Login(_ context.Context, req auth.LoginRequest) (auth.LoginResult, error) {
	if s.loginErr != nil {
		return auth.LoginResult{}, s.loginErr
	}
	return auth.LoginResult{Token: "alice-token", Account: auth.Account{Identity: "alice", Role: auth.RoleParty}}, nil
}

// VerifyToken accepts "<identity>-token"; the identity "keeper" gets the keeper role.
func (s *stubAuth) VerifyToken(token string) (auth.Claims, error) {
	identity, ok := strings.CutSuffix(token, "-token")
	if !ok {
		return auth.Claims{}, auth.ErrInvalidToken
	}
	role := auth.RoleParty
	if identity == "keeper" {
		role = auth.RoleKeeper
	}
	return auth.Claims{Identity: identity, Role: role}, nil
}

type stubConfig struct {
	cfg feeconfig.Config
	err error
}

func (s *stubConfig) Get(context.Context) (feeconfig.Config, error) { return s.cfg, s.err }

func (s *stubConfig) Initialize(_ context.Context, p feeconfig.InitParams) (feeconfig.Config, error) {
	if s.err != nil {
		return feeconfig.Config{}, s.err
	}
	return feeconfig.New(p)
}

func (s *stubConfig) Update(context.Context, feeconfig.UpdateParams) (feeconfig.Config, error) {
	return s.cfg, s.err
}

type escrowCall struct {
	op     string
	id     string
	caller string
	index  int
}

type stubEscrow struct {
	agreement *escrow.Agreement
	err       error
	calls     []escrowCall
	created   escrow.CreateParams
	resolved  escrow.Resolution
}

func (s *stubEscrow) result(op, id, caller string, index int) (*escrow.Agreement, error) {
	s.calls = append(s.calls, escrowCall{op: op, id: id, caller: caller, index: index})
	if s.err != nil {
		return nil, s.err
	}
	return s.agreement, nil
}

func (s *stubEscrow) Create(_ context.Context, p escrow.CreateParams) (*escrow.Agreement, error) {
	s.created = p
	return s.result("create", "", p.Payer, 0)
}

func (s *stubEscrow) Get(_ context.Context, id string) (*escrow.Agreement, error) {
	return s.result("get", id, "", 0)
}

func (s *stubEscrow) ApproveMilestone(_ context.Context, id, caller string, index int) (*escrow.Agreement, error) {
	return s.result("approve", id, caller, index)
}

func (s *stubEscrow) ReleaseMilestone(_ context.Context, id, caller string, index int) (*escrow.Agreement, error) {
	return s.result("release", id, caller, index)
}

func (s *stubEscrow) CancelEscrow(_ context.Context, id, caller string) (*escrow.Agreement, error) {
	return s.result("cancel", id, caller, 0)
}

func (s *stubEscrow) CloseEscrow(_ context.Context, id, caller string) (uint64, error) {
	_, err := s.result("close", id, caller, 0)
	return 7, err
}

func (s *stubEscrow) InitiateDispute(_ context.Context, id, caller string, _ escrow.Hash) (*escrow.Agreement, error) {
	return s.result("dispute", id, caller, 0)
}

func (s *stubEscrow) ResolveDispute(_ context.Context, id, caller string, r escrow.Resolution) (*escrow.Agreement, error) {
	s.resolved = r
	return s.result("resolve", id, caller, 0)
}

func (s *stubEscrow) ClaimExpired(_ context.Context, id, caller string) (*escrow.Agreement, error) {
	return s.result("claim-expired", id, caller, 0)
}

func (s *stubEscrow) TransferClaim(_ context.Context, id, caller, _ string) (*escrow.Agreement, error) {
	return s.result("transfer", id, caller, 0)
}

func (s *stubEscrow) MintCertificate(_ context.Context, id, caller string) (*escrow.Agreement, error) {
	return s.result("mint", id, caller, 0)
}

func (s *stubEscrow) SyncBeneficiary(_ context.Context, id, caller string) (*escrow.Agreement, error) {
	return s.result("sync", id, caller, 0)
}

func (s *stubEscrow) RevokeCertificate(_ context.Context, id, caller string) (*escrow.Agreement, error) {
	return s.result("revoke", id, caller, 0)
}

type stubCertificates struct {
	err error
}

func (s *stubCertificates) Get(_ context.Context, handle string) (certificate.Certificate, error) {
	return certificate.Certificate{Handle: handle, Holder: "bob", Supply: 1}, s.err
}

func (s *stubCertificates) Transfer(context.Context, string, string, string) error { return s.err }

func (s *stubCertificates) Burn(context.Context, string, string) error { return s.err }

func vaultAsset() vault.Asset {
	return vault.Asset{ID: "usdc", Decimals: 6}
}

func sampleAgreement(t *testing.T) *escrow.Agreement {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a, err := escrow.NewAgreement(escrow.CreateParams{
		Seed:          "s1",
		Payer:         "alice",
		OriginalPayee: "bob",
		Asset:         "usdc",
		TotalAmount:   1_000,
		Milestones:    []escrow.MilestoneInput{{Amount: 400}, {Amount: 600}},
		ExpiresAt:     now.Add(48 * time.Hour),
	}, vaultAsset(), 250, now)
	if err != nil {
		t.Fatalf("build agreement: %v", err)
	}
	return a
}

func newTestServer(esc *stubEscrow) *Server {
	return &Server{
		authService:        &stubAuth{},
		configService:      &stubConfig{cfg: feeconfig.Config{Authority: "authority", FeeCollector: "treasury", FeeBps: 250, DisputeTimeoutSeconds: 3600}},
		escrowService:      esc,
		certificateService: &stubCertificates{},
	}
}

func do(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return payload.Error.Code
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(&stubEscrow{}).Routes(), http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRequireAuth(t *testing.T) {
	h := newTestServer(&stubEscrow{}).Routes()

	if rec := do(t, h, http.MethodGet, "/api/escrows/x", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/escrows/x", "garbage", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
}

func TestGetEscrow_Success(t *testing.T) {
	esc := &stubEscrow{agreement: sampleAgreement(t)}
	rec := do(t, newTestServer(esc).Routes(), http.MethodGet, "/api/escrows/abc", "bob-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp agreementResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Payer != "alice" || resp.Beneficiary != "bob" || resp.TotalAmount != 1_000 || len(resp.Milestones) != 2 {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if resp.Milestones[1].Status != "pending" || resp.FeeBpsAtCreation != 250 {
		t.Fatalf("unexpected milestone payload: %+v", resp.Milestones)
	}
	if esc.calls[0].id != "abc" {
		t.Fatalf("expected id abc, got %q", esc.calls[0].id)
	}
}

func TestGetEscrow_NotFound(t *testing.T) {
	esc := &stubEscrow{err: escrow.ErrAgreementNotFound}
	rec := do(t, newTestServer(esc).Routes(), http.MethodGet, "/api/escrows/missing", "bob-token", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "AgreementNotFound" {
		t.Fatalf("expected AgreementNotFound, got %q", code)
	}
}

func TestCreateEscrow_UsesCallerAsPayer(t *testing.T) {
	esc := &stubEscrow{agreement: sampleAgreement(t)}
	body := `{"seed":"s1","payee":"bob","asset":"usdc","totalAmount":1000,
		"milestones":[{"amount":400},{"amount":600,"descriptionHash":"00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"}],
		"expiresAt":"2026-01-03T00:00:00Z"}`
	rec := do(t, newTestServer(esc).Routes(), http.MethodPost, "/api/escrows", "alice-token", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if esc.created.Payer != "alice" || len(esc.created.Milestones) != 2 || esc.created.Milestones[1].DescriptionHash[1] != 0x11 {
		t.Fatalf("unexpected create params: %+v", esc.created)
	}
}

func TestCreateEscrow_Errors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{"bad json", `{"seed":`, nil, http.StatusBadRequest, "BadJSON"},
		{"unknown field", `{"seed":"s","bogus":1}`, nil, http.StatusBadRequest, "BadJSON"},
		{"bad hash", `{"seed":"s","milestones":[{"amount":1,"descriptionHash":"zz"}]}`, nil, http.StatusUnprocessableEntity, "InvalidHash"},
		{"validation", `{"seed":"s"}`, escrow.ErrMilestoneAmountMismatch, http.StatusUnprocessableEntity, "MilestoneAmountMismatch"},
		{"duplicate", `{"seed":"s"}`, escrow.ErrAlreadyExists, http.StatusConflict, "AlreadyExists"},
		{"unexpected", `{"seed":"s"}`, errors.New("boom"), http.StatusInternalServerError, "Internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, newTestServer(&stubEscrow{err: tc.err}).Routes(), http.MethodPost, "/api/escrows", "alice-token", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			if code := errorCode(t, rec); code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, code)
			}
		})
	}
}

func TestMilestoneRoutes(t *testing.T) {
	esc := &stubEscrow{agreement: sampleAgreement(t)}
	h := newTestServer(esc).Routes()

	if rec := do(t, h, http.MethodPost, "/api/escrows/e1/milestones/1/approve", "alice-token", ""); rec.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/escrows/e1/milestones/one/release", "alice-token", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("release with bad index: expected 400, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/escrows/e1/milestones/1/release", "keeper-token", ""); rec.Code != http.StatusOK {
		t.Fatalf("keeper release: expected 200, got %d", rec.Code)
	}

	want := []escrowCall{
		{op: "approve", id: "e1", caller: "alice", index: 1},
		{op: "release", id: "e1", caller: "keeper", index: 1},
	}
	if len(esc.calls) != len(want) {
		t.Fatalf("unexpected calls %+v", esc.calls)
	}
	for i := range want {
		if esc.calls[i] != want[i] {
			t.Fatalf("call %d: expected %+v got %+v", i, want[i], esc.calls[i])
		}
	}
}

func TestKeeperRestrictedToPermissionlessRoutes(t *testing.T) {
	esc := &stubEscrow{agreement: sampleAgreement(t)}
	h := newTestServer(esc).Routes()

	rec := do(t, h, http.MethodPost, "/api/escrows/e1/cancel", "keeper-token", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for keeper cancel, got %d", rec.Code)
	}
	for _, path := range []string{"/api/escrows/e1/claim-expired", "/api/escrows/e1/certificate/sync", "/api/escrows/e1/certificate/revoke"} {
		if rec := do(t, h, http.MethodPost, path, "keeper-token", ""); rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
	if len(esc.calls) != 3 {
		t.Fatalf("keeper cancel must not reach the service, calls: %+v", esc.calls)
	}
}

func TestStateErrorsMapToConflict(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{escrow.ErrReceiptExists, "ReceiptExists"},
		{escrow.ErrEscrowNotExpired, "EscrowNotExpired"},
		{escrow.ErrBeneficiaryNotSynced, "BeneficiaryNotSynced"},
	}
	for _, tc := range cases {
		rec := do(t, newTestServer(&stubEscrow{err: tc.err}).Routes(), http.MethodPost, "/api/escrows/e1/claim/transfer", "bob-token", `{"newBeneficiary":"carol"}`)
		if rec.Code != http.StatusConflict {
			t.Fatalf("%v: expected 409, got %d", tc.err, rec.Code)
		}
		if code := errorCode(t, rec); code != tc.code {
			t.Fatalf("expected %s, got %s", tc.code, code)
		}
	}

	rec := do(t, newTestServer(&stubEscrow{err: escrow.ErrNotMaker}).Routes(), http.MethodPost, "/api/escrows/e1/cancel", "bob-token", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for NotMaker, got %d", rec.Code)
	}
}

func TestResolveDispute(t *testing.T) {
	esc := &stubEscrow{agreement: sampleAgreement(t)}
	h := newTestServer(esc).Routes()

	rec := do(t, h, http.MethodPost, "/api/escrows/e1/dispute/resolve", "authority-token", `{"resolution":"split","payerBps":5000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if esc.resolved != (escrow.Resolution{Kind: escrow.SplitWin, PayerBps: 5_000}) {
		t.Fatalf("unexpected resolution %+v", esc.resolved)
	}

	rec = do(t, h, http.MethodPost, "/api/escrows/e1/dispute/resolve", "authority-token", `{"resolution":"split","payerBps":-1}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for negative bps, got %d", rec.Code)
	}

	// 70000 wraps to 4464 as a plain uint16; it must reach the service still out of range.
	rec = do(t, h, http.MethodPost, "/api/escrows/e1/dispute/resolve", "authority-token", `{"resolution":"split","payerBps":70000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected the service to decide, got %d", rec.Code)
	}
	if esc.resolved.PayerBps <= 10_000 {
		t.Fatalf("out-of-range bps reached the service as %d", esc.resolved.PayerBps)
	}
}

func TestResolveDispute_AuthorizationBeforeRange(t *testing.T) {
	esc := &stubEscrow{err: escrow.ErrUnauthorized}
	h := newTestServer(esc).Routes()

	rec := do(t, h, http.MethodPost, "/api/escrows/e1/dispute/resolve", "mallory-token", `{"resolution":"split","payerBps":70000}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a non-authority caller, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "Unauthorized" {
		t.Fatalf("expected Unauthorized, got %s", code)
	}
}

func TestCloseEscrow(t *testing.T) {
	rec := do(t, newTestServer(&stubEscrow{}).Routes(), http.MethodPost, "/api/escrows/e1/close", "alice-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Swept uint64 `json:"swept"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil || payload.Swept != 7 {
		t.Fatalf("unexpected close payload %s", rec.Body.String())
	}
}

func TestConfigRoutes(t *testing.T) {
	h := newTestServer(&stubEscrow{}).Routes()

	rec := do(t, h, http.MethodPost, "/api/config/init", "authority-token", `{"feeBps":250,"disputeTimeoutSeconds":3600,"feeCollector":"treasury"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("init: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var cfg configResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg.Authority != "authority" {
		t.Fatalf("caller must become the authority, got %q", cfg.Authority)
	}

	rec = do(t, h, http.MethodPost, "/api/config/init", "authority-token", `{"feeBps":20000,"disputeTimeoutSeconds":3600,"feeCollector":"treasury"}`)
	if rec.Code != http.StatusUnprocessableEntity || errorCode(t, rec) != "InvalidFeeRate" {
		t.Fatalf("expected InvalidFeeRate, got %d %s", rec.Code, rec.Body.String())
	}

	srv := newTestServer(&stubEscrow{})
	srv.configService = &stubConfig{err: feeconfig.ErrUnauthorized}
	rec = do(t, srv.Routes(), http.MethodPatch, "/api/config", "mallory-token", `{"newFeeBps":1}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("update: expected 403, got %d", rec.Code)
	}
}

func TestCertificateRoutes(t *testing.T) {
	srv := newTestServer(&stubEscrow{})
	h := srv.Routes()

	if rec := do(t, h, http.MethodGet, "/api/certificates/cert-1", "bob-token", ""); rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/certificates/cert-1/transfer", "bob-token", `{"to":"carol"}`); rec.Code != http.StatusOK {
		t.Fatalf("transfer: expected 200, got %d", rec.Code)
	}

	srv.certificateService = &stubCertificates{err: certificate.ErrNotHolder}
	if rec := do(t, srv.Routes(), http.MethodPost, "/api/certificates/cert-1/burn", "mallory-token", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("burn: expected 403, got %d", rec.Code)
	}
}

func TestAuthRoutes(t *testing.T) {
	srv := newTestServer(&stubEscrow{})
	h := srv.Routes()

	rec := do(t, h, http.MethodPost, "/api/auth/register", "", `{"identity":"alice","email":"a@example.com","password":"supersafe"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/api/auth/login", "", `{"email":"a@example.com","password":"supersafe"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", rec.Code)
	}

	srv.authService = &stubAuth{loginErr: auth.ErrInvalidCredentials}
	rec = do(t, srv.Routes(), http.MethodPost, "/api/auth/login", "", `{"email":"a@example.com","password":"nope"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("login: expected 401, got %d", rec.Code)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger(settings.LogSettings{Level: "debug", Development: true}); err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if _, err := newLogger(settings.LogSettings{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestEventsRoute(t *testing.T) {
	h := newTestServer(&stubEscrow{}).Routes()
	rec := do(t, h, http.MethodGet, "/api/events", "alice-token", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without an event stream, got %d", rec.Code)
	}

	s := newTestServer(&stubEscrow{})
	hub := outbox.NewHub(4, nil)
	defer hub.Close()
	s.events = hub
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	rec = do(t, s.Routes(), http.MethodGet, "/api/events", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	header := http.Header{"Authorization": []string{"Bearer keeper-token"}}
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/events?topic=escrow.escrow_closed", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := hub.Publish(context.Background(), outbox.Message{ID: "m1", Topic: "escrow.escrow_closed", AgreementID: "a1", Payload: []byte(`{"swept":7}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame struct {
		ID      string         `json:"id"`
		Payload map[string]any `json:"payload"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.ID != "m1" || frame.Payload["swept"] != float64(7) {
		t.Fatalf("unexpected frame %+v", frame)
	}
}
