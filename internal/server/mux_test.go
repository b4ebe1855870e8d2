// internal/server/mux_test.go
package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/elara-app/elara-go/internal/config"
	"github.com/elara-app/elara-go/internal/endpoint"
	"github.com/elara-app/elara-go/internal/ens"
	"github.com/elara-app/elara-go/internal/gateway"
	"github.com/elara-app/elara-go/internal/model"
	"github.com/elara-app/elara-go/internal/registration"
	"github.com/elara-app/elara-go/internal/session"
	"github.com/elara-app/elara-go/internal/storage"
	"github.com/elara-app/elara-go/internal/wallet"
)

type fakeRecords struct {
	mu      sync.Mutex
	records map[string]string // "<name>|<key>" -> value
}

func (f *fakeRecords) set(name, key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[ens.NameHash(name).Hex()+"|"+key] = value
}

func (f *fakeRecords) Text(ctx context.Context, node common.Hash, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[node.Hex()+"|"+key], nil
}

// fakeChain accepts every transaction and reports labels in taken as registered.
type fakeChain struct {
	mu    sync.Mutex
	taken map[string]bool
	txs   int
}

func (f *fakeChain) Available(ctx context.Context, label string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.taken[label], nil
}

func (f *fakeChain) Register(ctx context.Context, key *ecdsa.PrivateKey, label string, owner common.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taken[label] = true
	f.txs++
	return nil
}

func (f *fakeChain) SetContenthash(ctx context.Context, key *ecdsa.PrivateKey, node common.Hash, hash []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs++
	return nil
}

func (f *fakeChain) SetText(ctx context.Context, key *ecdsa.PrivateKey, node common.Hash, k, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs++
	return nil
}

type richBalances struct{}

func (richBalances) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	return big.NewInt(1e18), nil
}

type testEnv struct {
	ts      *httptest.Server
	backend *httptest.Server
	hits    *atomic.Int32
	records *fakeRecords
	chain   *fakeChain
	store   storage.Store
	manager *registration.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	hits := &atomic.Int32{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var in struct {
			Messages  []model.Message `json:"messages"`
			Address   string          `json:"address"`
			Signature string          `json:"signature"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		if !strings.HasSuffix(r.URL.Path, "/generate") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if len(in.Messages) > 0 && in.Messages[0].Content == "fail" {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"detail":"model overloaded","message":"ignored"}`))
			return
		}
		out := append(in.Messages, model.Message{Role: model.RoleAssistant, Content: "hello " + in.Address})
		_ = json.NewEncoder(w).Encode(out)
	}))

	records := &fakeRecords{records: map[string]string{}}
	resolver := ens.NewResolver(ens.DefaultNaming(), records, nil)
	endpoints, err := endpoint.NewRegistry(resolver, 16, endpoint.Options{
		DefaultBaseURL: backend.URL,
		VMURLTemplate:  backend.URL + "/vm/%s",
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	fc := &fakeChain{taken: map[string]bool{"taken": true}}
	store := storage.NewMemory()
	manager := registration.NewManager(
		registration.Deps{Chain: fc, Balances: richBalances{}},
		registration.Config{PollInterval: 5 * time.Millisecond, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
		store,
	)

	issuer, err := session.NewIssuer(ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize)), "test", "test", time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	h, err := New(config.Config{IdempotencyTTL: time.Hour}, Deps{
		Store:     store,
		Resolver:  resolver,
		Endpoints: endpoints,
		Gateway:   gateway.New(),
		Names:     fc,
		Manager:   manager,
		Issuer:    issuer,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		ts.Close()
		backend.Close()
		_ = manager.Shutdown(context.Background())
	})
	return &testEnv{ts: ts, backend: backend, hits: hits, records: records, chain: fc, store: store, manager: manager}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Meta  json.RawMessage `json:"meta"`
	Error *struct {
		Code          string `json:"code"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlationId"`
	} `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, envelope) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, _ := json.Marshal(body)
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var env envelope
	_ = json.Unmarshal(raw, &env)
	return resp, env
}

func newWallet(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key, strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func sign(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	sig, err := wallet.SignText(key, message)
	if err != nil {
		t.Fatalf("SignText: %v", err)
	}
	return hexutil.Encode(sig)
}

func (e *testEnv) signIn(t *testing.T, key *ecdsa.PrivateKey, address string) string {
	t.Helper()
	resp, env := e.do(t, http.MethodPost, "/v1/session", map[string]string{
		"address":   address,
		"signature": sign(t, key, session.AuthMessage(address)),
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session status = %d", resp.StatusCode)
	}
	var out struct {
		JWT string `json:"jwt"`
	}
	if err := json.Unmarshal(env.Data, &out); err != nil || out.JWT == "" {
		t.Fatalf("decode session: %v", err)
	}
	return out.JWT
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d want %d", resp.StatusCode, http.StatusOK)
	}
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "ok" {
		t.Fatalf("body = %q want %q", string(b), "ok")
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/v1/resolve?host=localhost", nil, map[string]string{headerCorrelationID: "abc-123"})
	if got := resp.Header.Get(headerCorrelationID); got != "abc-123" {
		t.Fatalf("correlation id = %q", got)
	}
	resp, _ = env.do(t, http.MethodGet, "/v1/resolve?host=localhost", nil, nil)
	if resp.Header.Get(headerCorrelationID) == "" {
		t.Fatalf("correlation id not generated")
	}
}

func TestResolve(t *testing.T) {
	env := newTestEnv(t)
	env.records.set("alice.elara-app.eth", ens.KeyVMHash, "abc")
	env.records.set("alice.elara-app.eth", ens.KeyAllowedCallers, "0xAA, 0xbb")

	resp, body := env.do(t, http.MethodGet, "/v1/resolve?host=alice.eth.limo", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Name           string   `json:"name"`
		Node           string   `json:"node"`
		BaseURL        string   `json:"baseUrl"`
		AllowedCallers []string `json:"allowedCallers"`
	}
	if err := json.Unmarshal(body.Data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Name != "alice.elara-app.eth" || out.Node != ens.NameHash("alice.elara-app.eth").Hex() {
		t.Errorf("unexpected name/node: %+v", out)
	}
	if out.BaseURL != env.backend.URL+"/vm/abc" {
		t.Errorf("baseUrl = %q", out.BaseURL)
	}
	if strings.Join(out.AllowedCallers, ",") != "0xaa,0xbb" {
		t.Errorf("allowedCallers = %v", out.AllowedCallers)
	}

	// Hosts outside the name suffix use the default endpoint
	_, body = env.do(t, http.MethodGet, "/v1/resolve?host=localhost:3000", nil, nil)
	_ = json.Unmarshal(body.Data, &out)
	if out.BaseURL != env.backend.URL {
		t.Errorf("default baseUrl = %q", out.BaseURL)
	}
}

func TestAgentMetadata(t *testing.T) {
	env := newTestEnv(t)
	env.records.set("bob.elara-app.eth", ens.KeyName, "Bob")
	env.records.set("bob.elara-app.eth", ens.KeyDescription, "A helper")

	resp, body := env.do(t, http.MethodGet, "/v1/agent?host=bob.eth", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var meta struct {
		ENSName     string `json:"ensName"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Avatar      string `json:"avatar"`
	}
	_ = json.Unmarshal(body.Data, &meta)
	if meta.ENSName != "bob.elara-app.eth" || meta.Name != "Bob" || meta.Description != "A helper" || meta.Avatar != "" {
		t.Errorf("unexpected metadata: %+v", meta)
	}

	resp, body = env.do(t, http.MethodGet, "/v1/agent?host=example.com", nil, nil)
	if resp.StatusCode != http.StatusNotFound || body.Error == nil || body.Error.Code != codeNotFound {
		t.Fatalf("status = %d error = %+v", resp.StatusCode, body.Error)
	}
}

func TestSessionIssue(t *testing.T) {
	env := newTestEnv(t)
	key, address := newWallet(t)

	resp, body := env.do(t, http.MethodGet, "/v1/session/challenge?address="+address, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("challenge status = %d", resp.StatusCode)
	}
	var challenge struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body.Data, &challenge)
	if challenge.Message != session.AuthMessage(address) {
		t.Fatalf("challenge = %q", challenge.Message)
	}

	if token := env.signIn(t, key, address); token == "" {
		t.Fatalf("empty token")
	}

	other, _ := newWallet(t)
	resp, body = env.do(t, http.MethodPost, "/v1/session", map[string]string{
		"address":   address,
		"signature": sign(t, other, session.AuthMessage(address)),
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized || body.Error.Code != codeAuthz {
		t.Fatalf("foreign signature status = %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodGet, "/v1/session/challenge", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing address status = %d", resp.StatusCode)
	}
}

func TestGenerate(t *testing.T) {
	env := newTestEnv(t)
	key, address := newWallet(t)
	_, stranger := newWallet(t)
	env.records.set("carol.elara-app.eth", ens.KeyVMHash, "vm1")
	env.records.set("carol.elara-app.eth", ens.KeyAllowedCallers, fmt.Sprintf(`[%q]`, address))
	token := env.signIn(t, key, address)

	msgs := []model.Message{{Role: model.RoleUser, Content: "hi"}}
	resp, body := env.do(t, http.MethodPost, "/v1/generate?host=carol.eth.limo", map[string]any{"messages": msgs},
		map[string]string{headerAuthorization: "Bearer " + token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("generate status = %d error = %+v", resp.StatusCode, body.Error)
	}
	var out struct {
		Messages []model.Message `json:"messages"`
	}
	_ = json.Unmarshal(body.Data, &out)
	if len(out.Messages) != 2 || out.Messages[1].Content != "hello "+address {
		t.Fatalf("unexpected messages: %+v", out.Messages)
	}

	// Unlisted callers never reach the backend
	before := env.hits.Load()
	resp, body = env.do(t, http.MethodPost, "/v1/generate?host=carol.eth.limo", map[string]any{
		"messages": msgs, "address": stranger, "signature": "0x01",
	}, nil)
	if resp.StatusCode != http.StatusForbidden || body.Error.Code != codeAuthz {
		t.Fatalf("unlisted status = %d", resp.StatusCode)
	}
	if env.hits.Load() != before {
		t.Fatalf("backend called for unlisted caller")
	}

	// Backend errors surface the detail field
	resp, body = env.do(t, http.MethodPost, "/v1/generate?host=carol.eth.limo",
		map[string]any{"messages": []model.Message{{Role: model.RoleUser, Content: "fail"}}},
		map[string]string{headerAuthorization: "Bearer " + token})
	if resp.StatusCode != http.StatusBadGateway || body.Error.Message != "model overloaded" {
		t.Fatalf("upstream status = %d error = %+v", resp.StatusCode, body.Error)
	}

	resp, _ = env.do(t, http.MethodPost, "/v1/generate?host=carol.eth.limo", map[string]any{"messages": msgs},
		map[string]string{headerAuthorization: "Bearer not-a-token"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", resp.StatusCode)
	}
}

func TestAvailability(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		label     string
		available bool
		reason    string
	}{
		{"fresh", true, ""},
		{"taken", false, "ENS name is already taken"},
		{"ab", false, "ENS name must be at least 3 characters long"},
	}
	for _, tt := range tests {
		resp, body := env.do(t, http.MethodGet, "/v1/names/"+tt.label+"/availability", nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status = %d", tt.label, resp.StatusCode)
		}
		var out struct {
			Name      string `json:"name"`
			Available bool   `json:"available"`
			Reason    string `json:"reason"`
		}
		_ = json.Unmarshal(body.Data, &out)
		if out.Available != tt.available || out.Reason != tt.reason {
			t.Errorf("%s: got %+v", tt.label, out)
		}
		if out.Name != tt.label+".elara-app.eth" {
			t.Errorf("%s: name = %q", tt.label, out.Name)
		}
	}
}

func TestRegistrationFlow(t *testing.T) {
	env := newTestEnv(t)
	key, address := newWallet(t)
	token := env.signIn(t, key, address)
	auth := map[string]string{headerAuthorization: "Bearer " + token, headerIdempotencyKey: "create-1"}

	resp, body := env.do(t, http.MethodPost, "/v1/registrations", map[string]any{
		"label":       "dave",
		"description": "my agent",
	}, auth)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d error = %+v", resp.StatusCode, body.Error)
	}
	var created struct {
		Registration model.RegistrationDTO `json:"registration"`
		Challenge    string                `json:"challenge"`
	}
	if err := json.Unmarshal(body.Data, &created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	if created.Registration.State != model.StateSigning || created.Challenge != wallet.ChallengeMessage("dave") {
		t.Fatalf("unexpected create: %+v", created)
	}

	// Replaying the idempotency key returns the same registration
	resp, replay := env.do(t, http.MethodPost, "/v1/registrations", map[string]any{"label": "dave"}, auth)
	if resp.StatusCode != http.StatusCreated || string(replay.Data) != string(body.Data) {
		t.Fatalf("replay status = %d", resp.StatusCode)
	}

	id := created.Registration.ID
	resp, body = env.do(t, http.MethodPost, "/v1/registrations/"+id+"/signature",
		map[string]string{"signature": sign(t, key, created.Challenge)}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("signature status = %d error = %+v", resp.StatusCode, body.Error)
	}

	deadline := time.Now().Add(2 * time.Second)
	var got struct {
		Registration model.RegistrationDTO `json:"registration"`
	}
	for {
		_, body = env.do(t, http.MethodGet, "/v1/registrations/"+id, nil, nil)
		_ = json.Unmarshal(body.Data, &got)
		if got.Registration.State == model.StateDeployed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("registration not deployed: %+v", got.Registration)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !got.Registration.Progress.Done() || got.Registration.AgentAddress == "" {
		t.Fatalf("unexpected final record: %+v", got.Registration)
	}

	_, body = env.do(t, http.MethodGet, "/v1/registrations/"+id+"/events", nil, nil)
	var events []model.RegistrationEvent
	_ = json.Unmarshal(body.Data, &events)
	if len(events) == 0 || events[0].State != model.StateSigning {
		t.Fatalf("unexpected events: %+v", events)
	}

	resp, body = env.do(t, http.MethodGet, "/v1/registrations", nil, map[string]string{headerAuthorization: "Bearer " + token})
	var list []model.RegistrationDTO
	_ = json.Unmarshal(body.Data, &list)
	if resp.StatusCode != http.StatusOK || len(list) != 1 || list[0].ID != id {
		t.Fatalf("list status = %d list = %+v", resp.StatusCode, list)
	}
}

func TestIdempotencyKeyIsScopedToRouteAndCaller(t *testing.T) {
	env := newTestEnv(t)
	key, address := newWallet(t)
	token := env.signIn(t, key, address)

	resp, created := env.do(t, http.MethodPost, "/v1/registrations", map[string]any{"label": "erin"},
		map[string]string{headerAuthorization: "Bearer " + token, headerIdempotencyKey: "k1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d error = %+v", resp.StatusCode, created.Error)
	}

	// Another route with the same key runs its own handler
	resp, body := env.do(t, http.MethodPost, "/v1/generate", map[string]any{"messages": []any{}},
		map[string]string{headerIdempotencyKey: "k1"})
	if resp.StatusCode == http.StatusCreated || body.Error == nil {
		t.Fatalf("generate replayed the registration: status = %d data = %s", resp.StatusCode, body.Data)
	}

	// Same route and key without a session
	resp, body = env.do(t, http.MethodPost, "/v1/registrations", map[string]any{"label": "erin"},
		map[string]string{headerIdempotencyKey: "k1"})
	if resp.StatusCode != http.StatusUnauthorized || body.Error == nil || body.Error.Code != codeAuthz {
		t.Fatalf("unauthenticated status = %d data = %s", resp.StatusCode, body.Data)
	}

	// Same route and key with another owner's session
	otherKey, otherAddress := newWallet(t)
	otherToken := env.signIn(t, otherKey, otherAddress)
	resp, body = env.do(t, http.MethodPost, "/v1/registrations", map[string]any{"label": "frank"},
		map[string]string{headerAuthorization: "Bearer " + otherToken, headerIdempotencyKey: "k1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("other owner status = %d error = %+v", resp.StatusCode, body.Error)
	}
	var got struct {
		Registration model.RegistrationDTO `json:"registration"`
	}
	if err := json.Unmarshal(body.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Registration.Name != "frank.elara-app.eth" || got.Registration.Owner != otherAddress {
		t.Fatalf("other owner got %+v", got.Registration)
	}
}

func TestRegistrationErrors(t *testing.T) {
	env := newTestEnv(t)
	key, address := newWallet(t)
	otherKey, otherAddress := newWallet(t)
	token := env.signIn(t, key, address)
	bearer := map[string]string{headerAuthorization: "Bearer " + token}

	resp, _ := env.do(t, http.MethodPost, "/v1/registrations", map[string]any{"label": "erin"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodPost, "/v1/registrations", map[string]any{"label": "-bad"}, bearer)
	if resp.StatusCode != http.StatusUnprocessableEntity || body.Error.Message != "ENS name cannot start or end with a hyphen" {
		t.Fatalf("validation status = %d error = %+v", resp.StatusCode, body.Error)
	}

	resp, body = env.do(t, http.MethodPost, "/v1/registrations", map[string]any{"label": "erin"}, bearer)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created struct {
		Registration model.RegistrationDTO `json:"registration"`
		Challenge    string                `json:"challenge"`
	}
	_ = json.Unmarshal(body.Data, &created)
	id := created.Registration.ID

	resp, _ = env.do(t, http.MethodPost, "/v1/registrations", map[string]any{"label": "erin"}, bearer)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d", resp.StatusCode)
	}

	// Another wallet's signature is refused and the run keeps waiting
	resp, _ = env.do(t, http.MethodPost, "/v1/registrations/"+id+"/signature",
		map[string]string{"signature": sign(t, otherKey, created.Challenge)}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("foreign signature status = %d", resp.StatusCode)
	}

	otherToken := env.signIn(t, otherKey, otherAddress)
	resp, _ = env.do(t, http.MethodPost, "/v1/registrations/"+id+"/reject", nil, map[string]string{headerAuthorization: "Bearer " + otherToken})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("reject by stranger status = %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, "/v1/registrations/"+id+"/reject", nil, bearer)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("reject status = %d", resp.StatusCode)
	}
	deadline := time.Now().Add(2 * time.Second)
	for env.manager.Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("run did not stop")
		}
		time.Sleep(2 * time.Millisecond)
	}
	reg, err := env.store.GetRegistration(context.Background(), id)
	if err != nil || reg.State != model.StateForm {
		t.Fatalf("record after reject: %+v err=%v", reg, err)
	}

	resp, _ = env.do(t, http.MethodGet, "/v1/registrations/missing", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status = %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/generate"},
		{http.MethodPost, "/v1/resolve"},
		{http.MethodGet, "/v1/session"},
		{http.MethodDelete, "/v1/registrations"},
	} {
		resp, body := env.do(t, tc.method, tc.path, nil, nil)
		if resp.StatusCode != http.StatusMethodNotAllowed || body.Error == nil || body.Error.Code != codeValidation {
			t.Errorf("%s %s: status = %d", tc.method, tc.path, resp.StatusCode)
		}
	}
}

func TestPreflight(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodOptions, "/v1/generate", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}
