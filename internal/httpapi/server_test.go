package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/operatorsync/internal/corrections"
	"github.com/agentworkforce/operatorsync/internal/kvstore"
	"github.com/agentworkforce/operatorsync/internal/metrics"
	"github.com/agentworkforce/operatorsync/internal/settings"
	"github.com/agentworkforce/operatorsync/internal/workup"
	"github.com/agentworkforce/operatorsync/internal/workupsync"
)

const testToken = "local-secret"

type testEnv struct {
	server   *Server
	workups  *workup.Store
	registry *prometheus.Registry
}

type envOptions struct {
	remote workupsync.RemoteClient
	noAuth bool
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	backend := kvstore.NewInMemoryStateBackend()
	queue := kvstore.NewSerialQueue(16)
	t.Cleanup(queue.Close)

	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	log, err := corrections.NewLog(backend, corrections.Options{Queue: queue, Metrics: m})
	if err != nil {
		t.Fatalf("corrections: %v", err)
	}
	store, err := workup.NewStore(backend, workup.Options{Queue: queue})
	if err != nil {
		t.Fatalf("workups: %v", err)
	}
	prefs, err := settings.New(backend, settings.Options{Queue: queue})
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	deps := Deps{
		Corrections: log,
		Workups:     store,
		Settings:    prefs,
		Metrics:     m,
		Gatherer:    registry,
	}
	if opts.remote != nil {
		engine, err := workupsync.NewEngine(store, opts.remote, workupsync.EngineOptions{Metrics: m})
		if err != nil {
			t.Fatalf("engine: %v", err)
		}
		deps.Engine = engine
	}
	cfg := ServerConfig{
		AuthToken:      testToken,
		AllowedOrigins: []string{"chrome-extension://*"},
	}
	if opts.noAuth {
		cfg.AuthToken = ""
	}
	server, err := NewServer(deps, cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testEnv{server: server, workups: store, registry: registry}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func authed(extra map[string]string) map[string]string {
	headers := map[string]string{"Authorization": "Bearer " + testToken}
	for k, v := range extra {
		headers[k] = v
	}
	return headers
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	return doRawRequest(t, server, rawRequest{method: r.method, path: r.path, headers: r.headers, body: bodyBytes})
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return out
}

func TestHealthAndDashboardArePublic(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	health := doRequest(t, env.server, request{method: http.MethodGet, path: "/health"})
	if health.Code != http.StatusOK || !strings.Contains(health.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response %d %s", health.Code, health.Body.String())
	}

	dash := doRequest(t, env.server, request{method: http.MethodGet, path: "/dashboard"})
	if dash.Code != http.StatusOK {
		t.Fatalf("expected 200 from dashboard, got %d", dash.Code)
	}
	if ct := dash.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	missing := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/corrections"})
	if missing.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", missing.Code)
	}
	wrong := doRequest(t, env.server, request{
		method:  http.MethodGet,
		path:    "/v1/corrections",
		headers: map[string]string{"Authorization": "Bearer nope"},
	})
	if wrong.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", wrong.Code)
	}
	query := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/corrections?access_token=" + testToken})
	if query.Code != http.StatusOK {
		t.Fatalf("expected query token to authenticate, got %d", query.Code)
	}
	errBody := decode[map[string]any](t, missing)
	if errBody["code"] != "unauthorized" {
		t.Fatalf("unexpected error body %v", errBody)
	}
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	env := newTestEnv(t, envOptions{noAuth: true})
	rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/settings"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected open access without a configured token, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	allowed := doRequest(t, env.server, request{
		method: http.MethodOptions,
		path:   "/v1/corrections",
		headers: map[string]string{
			"Origin":                        "chrome-extension://abcdefgh",
			"Access-Control-Request-Method": "POST",
		},
	})
	if allowed.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", allowed.Code)
	}
	if got := allowed.Header().Get("Access-Control-Allow-Origin"); got != "chrome-extension://abcdefgh" {
		t.Fatalf("unexpected allow origin %q", got)
	}

	denied := doRequest(t, env.server, request{
		method:  http.MethodOptions,
		path:    "/v1/corrections",
		headers: map[string]string{"Origin": "https://evil.example"},
	})
	if denied.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign origin, got %d", denied.Code)
	}
}

func TestCorrectionLifecycle(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	created := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/corrections",
		headers: authed(map[string]string{"X-Correlation-Id": "corr_1"}),
		body: map[string]any{
			"rawText":       "patient has severe aortic stenoses",
			"correctedText": "patient has severe aortic stenosis",
			"agentType":     "tavi",
			"confidence":    0.9,
			"source":        "user-edit",
		},
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", created.Code, created.Body.String())
	}
	entry := decode[corrections.Entry](t, created)
	if entry.ID == "" || entry.Timestamp == 0 || entry.ApprovalStatus != corrections.ApprovalPending {
		t.Fatalf("unexpected entry %+v", entry)
	}

	got := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/corrections/" + entry.ID, headers: authed(nil)})
	if got.Code != http.StatusOK {
		t.Fatalf("expected 200 on get, got %d", got.Code)
	}

	patched := doRequest(t, env.server, request{
		method:  http.MethodPatch,
		path:    "/v1/corrections/" + entry.ID,
		headers: authed(nil),
		body:    map[string]any{"approvalStatus": "approved", "audioPath": "audio/1.wav"},
	})
	if patched.Code != http.StatusOK {
		t.Fatalf("expected 200 on patch, got %d (%s)", patched.Code, patched.Body.String())
	}
	updated := decode[corrections.Entry](t, patched)
	if updated.ApprovalStatus != corrections.ApprovalApproved || updated.ID != entry.ID || updated.Timestamp != entry.Timestamp {
		t.Fatalf("unexpected patched entry %+v", updated)
	}

	list := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/corrections?agentType=tavi", headers: authed(nil)})
	listed := decode[struct {
		Entries []corrections.Entry `json:"entries"`
		Count   int                 `json:"count"`
	}](t, list)
	if listed.Count != 1 || listed.Entries[0].ID != entry.ID {
		t.Fatalf("unexpected list %+v", listed)
	}

	export := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/corrections/export", headers: authed(nil)})
	if export.Code != http.StatusOK {
		t.Fatalf("expected 200 on export, got %d", export.Code)
	}
	if cd := export.Header().Get("Content-Disposition"); !strings.Contains(cd, "uploaded_corrections.json") {
		t.Fatalf("unexpected content disposition %q", cd)
	}
	samples := decode[[]corrections.TrainingSample](t, export)
	if len(samples) != 1 || samples[0].AudioPath != "audio/1.wav" {
		t.Fatalf("unexpected export %+v", samples)
	}

	stats := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/corrections/stats", headers: authed(nil)})
	if s := decode[corrections.Stats](t, stats); s.Total != 1 || s.Approved != 1 || s.WithAudio != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}

	removed := doRequest(t, env.server, request{method: http.MethodDelete, path: "/v1/corrections/" + entry.ID, headers: authed(nil)})
	if removed.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on delete, got %d", removed.Code)
	}
	gone := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/corrections/" + entry.ID, headers: authed(nil)})
	if gone.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", gone.Code)
	}
}

func TestCorrectionSchemaRejections(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	cases := []struct {
		name string
		body string
	}{
		{name: "missing corrected text", body: `{"rawText":"x"}`},
		{name: "confidence out of range", body: `{"correctedText":"x","confidence":1.5}`},
		{name: "unknown source", body: `{"correctedText":"x","source":"guess"}`},
		{name: "unknown property", body: `{"correctedText":"x","extra":true}`},
		{name: "not json", body: `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRawRequest(t, env.server, rawRequest{
				method:  http.MethodPost,
				path:    "/v1/corrections",
				headers: authed(nil),
				body:    []byte(tc.body),
			})
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCorrectionQueryRejectsBadTimestamps(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/corrections?since=yesterday", headers: authed(nil)})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWorkupEndpointsWithoutSync(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	created := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/workups",
		headers: authed(nil),
		body: map[string]any{"fields": map[string]any{
			"patient":      "Jane Citizen",
			"status":       "Referral received",
			"referralDate": "2026-10-01",
		}},
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", created.Code, created.Body.String())
	}
	record := decode[workup.Record](t, created)
	if record.ID == "" || record.Fields.Patient != "Jane Citizen" {
		t.Fatalf("unexpected record %+v", record)
	}

	patched := doRequest(t, env.server, request{
		method:  http.MethodPatch,
		path:    "/v1/workups/" + record.ID,
		headers: authed(nil),
		body: map[string]any{
			"fields":   map[string]any{"status": "Workup in progress"},
			"sections": map[string]any{"echocardiography": map[string]any{"content": "AVA 0.7 cm2"}},
		},
	})
	if patched.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", patched.Code, patched.Body.String())
	}
	updated := decode[workup.Record](t, patched)
	if updated.Fields.Status != "Workup in progress" || updated.StructuredSections["echocardiography"].Content != "AVA 0.7 cm2" {
		t.Fatalf("unexpected patched record %+v", updated)
	}
	if updated.CompletionPercentage == 0 {
		t.Fatalf("expected completion to reflect the filled section")
	}

	badDate := doRequest(t, env.server, request{
		method:  http.MethodPatch,
		path:    "/v1/workups/" + record.ID,
		headers: authed(nil),
		body:    map[string]any{"fields": map[string]any{"procedureDate": "next week"}},
	})
	if badDate.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed date, got %d", badDate.Code)
	}

	missing := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/workups/nope", headers: authed(nil)})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}

	for _, path := range []string{"/v1/sync/run", "/v1/sync/import", "/v1/workups/" + record.ID + "/retry"} {
		rec := doRequest(t, env.server, request{method: http.MethodPost, path: path, headers: authed(nil)})
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503 with sync disabled, got %d", path, rec.Code)
		}
	}

	status := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/sync/status", headers: authed(nil)})
	body := decode[map[string]any](t, status)
	if body["enabled"] != false || body["pending"] != float64(1) {
		t.Fatalf("unexpected sync status %v", body)
	}

	deleted := doRequest(t, env.server, request{method: http.MethodDelete, path: "/v1/workups/" + record.ID, headers: authed(nil)})
	if deleted.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", deleted.Code)
	}
}

type stubRemote struct {
	mu      sync.Mutex
	rows    []workupsync.RemoteRecord
	creates int
}

func (s *stubRemote) FetchListing(context.Context) ([]workupsync.RemoteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]workupsync.RemoteRecord(nil), s.rows...), nil
}

func (s *stubRemote) CreateRecord(_ context.Context, fields workup.Fields) (workupsync.RemoteRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	ref := workupsync.RemoteRef{ID: "page-new", URL: "https://notion.so/page-new", LastEditedAt: time.Now()}
	s.rows = append(s.rows, workupsync.RemoteRecord{ID: ref.ID, URL: ref.URL, Fields: fields, LastEditedAt: ref.LastEditedAt})
	return ref, nil
}

func (s *stubRemote) UpdateRecord(_ context.Context, id string, fields workup.Fields) (workupsync.RemoteRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := workupsync.RemoteRef{ID: id, LastEditedAt: time.Now()}
	for i := range s.rows {
		if s.rows[i].ID == id {
			s.rows[i].Fields = fields
			s.rows[i].LastEditedAt = ref.LastEditedAt
		}
	}
	return ref, nil
}

func TestSyncEndpointsWithEngine(t *testing.T) {
	remote := &stubRemote{rows: []workupsync.RemoteRecord{{
		ID:           "page-existing",
		URL:          "https://notion.so/page-existing",
		Fields:       workup.Fields{Patient: "Remote Only"},
		LastEditedAt: time.Now().Add(-time.Hour),
	}}}
	env := newTestEnv(t, envOptions{remote: remote})

	created := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/workups",
		headers: authed(nil),
		body:    map[string]any{"fields": map[string]any{"patient": "Local Only"}},
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", created.Code)
	}

	run := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/sync/run", headers: authed(nil)})
	if run.Code != http.StatusOK {
		t.Fatalf("expected 200 on sync run, got %d (%s)", run.Code, run.Body.String())
	}
	report := decode[workupsync.PassReport](t, run)
	if report.Created != 1 || report.Listed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	imported := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/sync/import", headers: authed(nil)})
	if got := decode[map[string]int](t, imported); got["imported"] != 1 {
		t.Fatalf("expected one imported row, got %v", got)
	}

	status := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/sync/status", headers: authed(nil)})
	body := decode[map[string]any](t, status)
	if body["enabled"] != true || body["lastReport"] == nil {
		t.Fatalf("unexpected sync status %v", body)
	}

	record := decode[workup.Record](t, created)
	resolve := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/workups/" + record.ID + "/resolve",
		headers: authed(nil),
		body:    map[string]any{"choice": "keep-local"},
	})
	if resolve.Code != http.StatusConflict {
		t.Fatalf("expected 409 without a pending conflict, got %d", resolve.Code)
	}
	badChoice := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/workups/" + record.ID + "/resolve",
		headers: authed(nil),
		body:    map[string]any{"choice": "merge"},
	})
	if badChoice.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown choice, got %d", badChoice.Code)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	patched := doRequest(t, env.server, request{
		method:  http.MethodPatch,
		path:    "/v1/settings",
		headers: authed(nil),
		body:    map[string]any{"theme": "dark", "autoSync": false},
	})
	if patched.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", patched.Code, patched.Body.String())
	}
	merged := decode[map[string]any](t, patched)
	if merged["theme"] != "dark" || merged["autoSync"] != false || merged["asrCorrectionsEnabled"] != true {
		t.Fatalf("unexpected merged settings %v", merged)
	}

	reset := doRequest(t, env.server, request{method: http.MethodDelete, path: "/v1/settings", headers: authed(nil)})
	if got := decode[map[string]any](t, reset); got["theme"] != "system" {
		t.Fatalf("expected defaults after reset, got %v", got)
	}

	notObject := doRawRequest(t, env.server, rawRequest{
		method:  http.MethodPatch,
		path:    "/v1/settings",
		headers: authed(nil),
		body:    []byte(`[1,2]`),
	})
	if notObject.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-object patch, got %d", notObject.Code)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.server.cfg.MaxBodyBytes = 32
	rec := doRawRequest(t, env.server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/corrections",
		headers: authed(nil),
		body:    []byte(`{"correctedText":"` + strings.Repeat("a", 64) + `"}`),
	})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	doRequest(t, env.server, request{method: http.MethodGet, path: "/health"})

	rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/metrics"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "operatorsync_http_requests_total") {
		t.Fatalf("expected http request counter in metrics output")
	}
}

func TestEventsStreamCommittedChanges(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ts := httptest.NewServer(env.server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var ready changeEvent
	if err := wsjson.Read(ctx, conn, &ready); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if ready.Type != "ready" {
		t.Fatalf("expected ready frame first, got %+v", ready)
	}

	rec := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/corrections",
		headers: authed(nil),
		body:    map[string]any{"correctedText": "transcatheter"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var ev changeEvent
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read change: %v", err)
	}
	if ev.Type != "change" || ev.Collection != "corrections" || ev.Key != corrections.DefaultKey || ev.Origin != kvstore.OriginLocal {
		t.Fatalf("unexpected change event %+v", ev)
	}
}

func TestEventsRequireAuth(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ts := httptest.NewServer(env.server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		t.Fatalf("expected handshake to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %+v", resp)
	}
}
