package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gestor.app/internal/auth"
	"gestor.app/internal/revocation"
	"gestor.app/internal/store/memory"
)

const fixturePath = "../store/memory/testdata/gestor.yaml"

var testSecret = []byte("httpapi-test-secret-0123456789abcdef")

// flakyStore fails the next n membership lookups.
type flakyStore struct {
	*memory.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (s *flakyStore) GroupsForUser(ctx context.Context, userID int64) ([]auth.Group, error) {
	s.calls.Add(1)
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return nil, errors.New("connection reset by peer")
	}
	return s.Store.GroupsForUser(ctx, userID)
}

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *flakyStore
	t       *testing.T
}

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()

	mem, err := memory.LoadFile(fixturePath)
	if err != nil {
		t.Fatalf("load fixture: %v", err)
	}
	store := &flakyStore{Store: mem}

	codec, err := auth.NewTokenCodec(testSecret)
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	svc, err := auth.NewService(store, codec, auth.WithRevoker(revocation.NewMemory(codec.TTL())))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	api, err := New(Deps{
		Sessions:  svc,
		Evaluator: auth.NewEvaluator(store, store),
		Admin:     auth.NewAdmin(store, zerolog.Nop()),
		Ready:     ReadyProbe{Checks: []Pinger{store}},
		Version:   "test",
	}, append([]Option{WithLoginRateLimit(100, 100), WithRetryWait(time.Millisecond)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		store:   store,
		t:       t,
	}
}

func (c *apiClient) do(method, path string, params url.Values, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, ok := body.(string)
		if !ok {
			b, err := json.Marshal(body)
			if err != nil {
				c.t.Fatalf("marshal body: %v", err)
			}
			raw = string(b)
		}
		payload = bytes.NewReader([]byte(raw))
	}
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(method, u.String(), payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, token string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodGet, path, params, nil, bearerHeader(token))
}

func (c *apiClient) login(email, password string) loginResponse {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/auth/login", nil, loginRequest{Email: email, Password: password}, nil)
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		c.t.Fatalf("login %s: unexpected status %d", email, resp.StatusCode)
	}
	return decode[loginResponse](c.t, resp)
}

func bearerHeader(token string) map[string]string {
	if token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) map[string]any {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body)
	}
	return decode[map[string]any](t, resp)
}

func TestLoginSetsSessionCookie(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodPost, "/v1/auth/login", nil, loginRequest{Email: "gerente@gestor.test", Password: "gerente-secret"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			cookie = c
		}
	}
	if cookie == nil || !cookie.HttpOnly || cookie.Value == "" {
		t.Fatalf("expected HttpOnly session cookie, got %+v", cookie)
	}
	sess := decode[loginResponse](t, resp)
	if sess.Token != cookie.Value || sess.Principal.UserID != 2 {
		t.Fatalf("unexpected login response %+v", sess)
	}

	me := expectStatus(t, api.do(http.MethodGet, "/v1/auth/me", nil, nil, map[string]string{"Cookie": sessionCookie + "=" + cookie.Value}), http.StatusOK)
	if me["email"] != "gerente@gestor.test" {
		t.Fatalf("unexpected principal %v", me)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodPost, "/v1/auth/login", nil, loginRequest{Email: "gerente@gestor.test", Password: "nope"}, nil)
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
	body := expectStatus(t, resp, http.StatusUnauthorized)
	if body["error"] == "" || body["request_id"] == "" {
		t.Fatalf("expected error and request_id, got %v", body)
	}

	expectStatus(t, api.do(http.MethodPost, "/v1/auth/login", nil, `{"email":"x","extra":1}`, nil), http.StatusBadRequest)
}

func TestSessionRequired(t *testing.T) {
	api := newTestAPI(t)

	expectStatus(t, api.get("/v1/authz/components/41", nil, ""), http.StatusUnauthorized)
	expectStatus(t, api.get("/v1/authz/components/41", nil, "not-a-token"), http.StatusUnauthorized)
	resp := api.do(http.MethodGet, "/v1/auth/me", nil, nil, map[string]string{"Authorization": "Basic Zm9vOmJhcg=="})
	expectStatus(t, resp, http.StatusUnauthorized)
}

func TestComponentAndFormChecks(t *testing.T) {
	api := newTestAPI(t)
	token := api.login("operario@gestor.test", "operario-secret").Token

	cases := []struct {
		path    string
		allowed bool
	}{
		{"/v1/authz/components/41", true},
		{"/v1/authz/components/42", false},
		{"/v1/authz/components/117", false},
		{"/v1/authz/components/61", false},
		{"/v1/authz/components/9999", false},
	}
	for _, tc := range cases {
		body := expectStatus(t, api.get(tc.path, nil, token), http.StatusOK)
		if body["allowed"] != tc.allowed {
			t.Fatalf("%s: expected allowed=%v, got %v", tc.path, tc.allowed, body["allowed"])
		}
	}
	expectStatus(t, api.get("/v1/authz/components/abc", nil, token), http.StatusBadRequest)
	expectStatus(t, api.get("/v1/authz/components/0", nil, token), http.StatusBadRequest)

	body := expectStatus(t, api.get("/v1/authz/forms", url.Values{"route": {"/piezas/"}}, token), http.StatusOK)
	if body["allowed"] != true || body["route"] != "/piezas" || body["core"] != "inventario" {
		t.Fatalf("unexpected form check %v", body)
	}
	body = expectStatus(t, api.get("/v1/authz/forms", url.Values{"route": {"/reportes/clientes"}}, token), http.StatusOK)
	if body["allowed"] != false {
		t.Fatalf("inactive component must not open the form: %v", body)
	}
	expectStatus(t, api.get("/v1/authz/forms", nil, token), http.StatusBadRequest)
}

func TestCoreChecks(t *testing.T) {
	api := newTestAPI(t)
	gerente := api.login("gerente@gestor.test", "gerente-secret").Token
	operario := api.login("operario@gestor.test", "operario-secret").Token

	body := expectStatus(t, api.get("/v1/authz/cores/inventario", nil, gerente), http.StatusOK)
	if body["allowed"] != true {
		t.Fatalf("gerente must reach inventario: %v", body)
	}
	body = expectStatus(t, api.get("/v1/authz/cores/inventario", nil, operario), http.StatusOK)
	if body["allowed"] != false {
		t.Fatalf("operario must not reach inventario: %v", body)
	}
	body = expectStatus(t, api.get("/v1/authz/cores/desconocido", nil, gerente), http.StatusOK)
	if body["allowed"] != false {
		t.Fatalf("unknown core must deny: %v", body)
	}
}

func TestExplainIsAdminOnly(t *testing.T) {
	api := newTestAPI(t)
	admin := api.login("admin@gestor.test", "admin-secret").Token
	operario := api.login("operario@gestor.test", "operario-secret").Token

	body := expectStatus(t, api.get("/v1/authz/explain", url.Values{"route": {"/reportes/clientes"}}, operario), http.StatusForbidden)
	if _, leaked := body["reason"]; leaked {
		t.Fatalf("reason leaked to non-admin: %v", body)
	}
	expectStatus(t, api.get("/v1/authz/explain/components/116", nil, operario), http.StatusForbidden)

	body = expectStatus(t, api.get("/v1/authz/explain", url.Values{"route": {"/reportes/clientes"}, "user_id": {"3"}}, admin), http.StatusOK)
	if body["reason"] != string(auth.ReasonNoGrantingGroupActive) || body["allowed"] != false {
		t.Fatalf("unexpected report %v", body)
	}
	body = expectStatus(t, api.get("/v1/authz/explain", url.Values{"route": {"/reportes/clientes"}}, admin), http.StatusOK)
	if body["reason"] != string(auth.ReasonAdminOverride) {
		t.Fatalf("unexpected admin report %v", body)
	}

	body = expectStatus(t, api.get("/v1/authz/explain/components/117", url.Values{"user_id": {"3"}}, admin), http.StatusOK)
	if body["reason"] != string(auth.ReasonComponentInactive) {
		t.Fatalf("unexpected component explanation %v", body)
	}
	expectStatus(t, api.get("/v1/authz/explain", url.Values{"route": {"/piezas"}, "user_id": {"404"}}, admin), http.StatusNotFound)
	expectStatus(t, api.get("/v1/authz/explain", url.Values{"route": {"/piezas"}, "user_id": {"x"}}, admin), http.StatusBadRequest)
}

func TestReplaceGroupGrants(t *testing.T) {
	api := newTestAPI(t)
	admin := api.login("admin@gestor.test", "admin-secret").Token
	operario := api.login("operario@gestor.test", "operario-secret").Token
	put := func(token, body string) *http.Response {
		return api.do(http.MethodPut, "/v1/groups/3/components", nil, body, bearerHeader(token))
	}

	expectStatus(t, put(operario, `{"component_ids":[42]}`), http.StatusForbidden)
	expectStatus(t, put(operario, `{"component_ids":"nope","extra":1}`), http.StatusForbidden)
	expectStatus(t, put(operario, `{}`), http.StatusForbidden)
	resp := api.do(http.MethodPut, "/v1/groups/abc/components", nil, `not json`, bearerHeader(operario))
	body := expectStatus(t, resp, http.StatusForbidden)
	if body["error"] != "forbidden" {
		t.Fatalf("non-admins must not see validation detail: %v", body)
	}
	expectStatus(t, put(admin, `{"component_ids":null}`), http.StatusBadRequest)
	expectStatus(t, put(admin, `{}`), http.StatusBadRequest)
	expectStatus(t, put(admin, `{"component_ids":[42,9999]}`), http.StatusNotFound)

	body = expectStatus(t, put(admin, `{"component_ids":[42,41,42]}`), http.StatusOK)
	ids, _ := body["component_ids"].([]any)
	if len(ids) != 2 {
		t.Fatalf("expected deduplicated ids, got %v", body)
	}
	check := expectStatus(t, api.get("/v1/authz/components/42", nil, operario), http.StatusOK)
	if check["allowed"] != true {
		t.Fatalf("new grant must apply without a new login: %v", check)
	}

	expectStatus(t, put(admin, `{"component_ids":[]}`), http.StatusOK)
	check = expectStatus(t, api.get("/v1/authz/components/41", nil, operario), http.StatusOK)
	if check["allowed"] != false {
		t.Fatalf("empty list must revoke every grant: %v", check)
	}
}

func TestSetGroupStateAppliesToLiveChecks(t *testing.T) {
	api := newTestAPI(t)
	admin := api.login("admin@gestor.test", "admin-secret").Token
	operario := api.login("operario@gestor.test", "operario-secret").Token

	body := expectStatus(t, api.do(http.MethodPut, "/v1/groups/3/state", nil, `{"state":"suspended"}`, bearerHeader(admin)), http.StatusOK)
	if body["state"] != "suspended" {
		t.Fatalf("unexpected group %v", body)
	}
	check := expectStatus(t, api.get("/v1/authz/components/41", nil, operario), http.StatusOK)
	if check["allowed"] != false {
		t.Fatalf("suspended group must stop granting: %v", check)
	}

	expectStatus(t, api.do(http.MethodPut, "/v1/groups/3/state", nil, `{"state":"archived"}`, bearerHeader(admin)), http.StatusBadRequest)
	expectStatus(t, api.do(http.MethodPut, "/v1/groups/404/state", nil, `{"state":"active"}`, bearerHeader(admin)), http.StatusNotFound)
	expectStatus(t, api.do(http.MethodPut, "/v1/groups/3/state", nil, `{"state":"active"}`, bearerHeader(operario)), http.StatusForbidden)
	expectStatus(t, api.do(http.MethodPut, "/v1/groups/3/state", nil, `{"state":`, bearerHeader(operario)), http.StatusForbidden)
}

func TestPruneGrants(t *testing.T) {
	api := newTestAPI(t)
	admin := api.login("admin@gestor.test", "admin-secret").Token
	operario := api.login("operario@gestor.test", "operario-secret").Token
	api.store.DeleteComponent(42)

	expectStatus(t, api.do(http.MethodPost, "/v1/admin/grants/prune", nil, nil, bearerHeader(operario)), http.StatusForbidden)
	body := expectStatus(t, api.do(http.MethodPost, "/v1/admin/grants/prune", nil, nil, bearerHeader(admin)), http.StatusOK)
	if body["pruned"] != float64(1) {
		t.Fatalf("expected one pruned edge, got %v", body)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	api := newTestAPI(t)
	sess := api.login("gerente@gestor.test", "gerente-secret")

	body := expectStatus(t, api.do(http.MethodPost, "/v1/auth/logout", nil, nil, bearerHeader(sess.Token)), http.StatusOK)
	if body["closed"] != true {
		t.Fatalf("expected the audit session to close: %v", body)
	}
	sessions := api.store.Sessions(2)
	if len(sessions) != 1 || sessions[0].LogoutAt == nil {
		t.Fatalf("unexpected audit sessions %+v", sessions)
	}
	expectStatus(t, api.get("/v1/auth/me", nil, sess.Token), http.StatusUnauthorized)
	expectStatus(t, api.do(http.MethodPost, "/v1/auth/logout", nil, nil, bearerHeader(sess.Token)), http.StatusUnauthorized)
}

func TestUnavailableStoreIsRetriedOnce(t *testing.T) {
	api := newTestAPI(t)
	token := api.login("operario@gestor.test", "operario-secret").Token

	api.store.calls.Store(0)
	api.store.failures.Store(1)
	body := expectStatus(t, api.get("/v1/authz/components/41", nil, token), http.StatusOK)
	if body["allowed"] != true {
		t.Fatalf("retry must reach the real decision: %v", body)
	}
	if n := api.store.calls.Load(); n != 2 {
		t.Fatalf("expected one retry, got %d lookups", n)
	}

	api.store.failures.Store(10)
	resp := api.get("/v1/authz/components/41", nil, token)
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	body = expectStatus(t, resp, http.StatusServiceUnavailable)
	if _, ok := body["allowed"]; ok {
		t.Fatalf("an outage must not look like a decision: %v", body)
	}
}

func TestProbesAndRouting(t *testing.T) {
	api := newTestAPI(t)

	body := expectStatus(t, api.get("/healthz", nil, ""), http.StatusOK)
	if body["version"] != "test" {
		t.Fatalf("unexpected healthz %v", body)
	}
	expectStatus(t, api.get("/readyz", nil, ""), http.StatusOK)
	expectStatus(t, api.get("/nope", nil, ""), http.StatusNotFound)

	expectStatus(t, api.get("/v1/auth/login", nil, ""), http.StatusNotFound)

	resp := api.get("/metrics", nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics, got %d", resp.StatusCode)
	}
}
