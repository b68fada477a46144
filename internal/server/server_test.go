package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"plangate/internal/db"
	"plangate/internal/domain"
	"plangate/internal/engine"
	"plangate/internal/migrate"
	"plangate/internal/outbox"
	"plangate/internal/policy"
)

type testServer struct {
	URL    string
	engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, token string) (*testServer, func()) {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	exec := engine.ExecutorFunc(func(ctx context.Context, req engine.ExecutionRequest) (engine.ExecutionResult, error) {
		return engine.ExecutionResult{Result: json.RawMessage(`{"ok":true}`)}, nil
	})
	e := engine.New(conn, dialect, policy.Static(policy.Default()), exec, engine.DefaultConfig(), nil)
	relay := outbox.NewRelay(e.Repo, outbox.LogPublisher{}, outbox.RelayConfig{}, nil)
	handler, err := New(Config{Engine: e, Relay: relay, BasePath: "/v0", Token: token})
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
		engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			e.Stop()
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

func planBody() map[string]any {
	return map[string]any{
		"user_id":    "u1",
		"project_id": "proj",
		"request":    "rotate credentials",
		"tasks": []map[string]any{
			{"task_id": "task_1", "description": "list keys", "agent": "ops", "risk_level": "LOW"},
			{"task_id": "task_2", "description": "rotate keys", "agent": "ops", "risk_level": "HIGH", "dependencies": []string{"task_1"}},
		},
	}
}

func createPlan(t *testing.T, srv *testServer) engine.PlanView {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/plans", planBody(), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create plan status %d: %s", res.StatusCode, string(data))
	}
	var view engine.PlanView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	return view
}

func TestPlanApprovalFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	client := srv.Client()

	view := createPlan(t, srv)
	if view.Plan.Status != domain.PlanCreated || len(view.Tasks) != 2 {
		t.Fatalf("unexpected created plan: %+v", view.Plan)
	}
	planID := view.Plan.ID

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/"+planID+"/advance", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance status %d: %s", res.StatusCode, string(data))
	}
	srv.engine.Drain()

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/approvals?status=pending&plan_id="+planID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list approvals status %d: %s", res.StatusCode, string(data))
	}
	var approvals ApprovalListResponse
	if err := json.Unmarshal(data, &approvals); err != nil {
		t.Fatalf("unmarshal approvals: %v", err)
	}
	if len(approvals.Items) != 1 {
		t.Fatalf("expected one pending approval, got %d", len(approvals.Items))
	}
	reqID := approvals.Items[0].ID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+reqID+"/resolve", map[string]any{
		"action": "approve", "reason": "checked",
	}, map[string]string{"X-Actor-Id": "alice"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", res.StatusCode, string(data))
	}
	srv.engine.Drain()

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+reqID+"/resolve", map[string]any{
		"action": "reject", "actor": "bob",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict on second resolve, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/approvals/"+reqID+"/logs", nil, nil)
	var logs ApprovalLogsResponse
	if err := json.Unmarshal(data, &logs); err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("logs status %d: %s", res.StatusCode, string(data))
	}
	if len(logs.Items) != 1 || logs.Items[0].Actor != "alice" {
		t.Fatalf("unexpected logs: %+v", logs.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/plans/"+planID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get plan status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	if view.Plan.Status != domain.PlanCompleted {
		t.Fatalf("expected completed plan, got %s", view.Plan.Status)
	}
}

func TestCreatePlanRejectsCycle(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	body := planBody()
	body["tasks"] = []map[string]any{
		{"task_id": "a", "description": "a", "agent": "ops", "risk_level": "LOW", "dependencies": []string{"b"}},
		{"task_id": "b", "description": "b", "agent": "ops", "risk_level": "LOW", "dependencies": []string{"a"}},
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/plans", body, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if env.Error.Code != "validation_failed" {
		t.Fatalf("unexpected error code %q", env.Error.Code)
	}
}

func TestCancelAndNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	client := srv.Client()
	view := createPlan(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/"+view.Plan.ID+"/cancel", map[string]any{"reason": "no longer needed"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/"+view.Plan.ID+"/cancel", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict cancelling twice, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/plans/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestOutboxListAndRequeue(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	client := srv.Client()
	createPlan(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/outbox?status=pending", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list outbox status %d: %s", res.StatusCode, string(data))
	}
	var list OutboxListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal outbox: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].EventType != domain.EventPlanCreated {
		t.Fatalf("unexpected outbox rows: %+v", list.Items)
	}
	if list.Counts[domain.OutboxPending] != 1 {
		t.Fatalf("unexpected counts: %+v", list.Counts)
	}

	// Only dead rows can be requeued.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/outbox/"+strconv.FormatInt(list.Items[0].ID, 10)+"/requeue", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict requeueing a pending row, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/outbox/999/requeue", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestTokenRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, "s3cret")
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must not require a token, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/plans", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/plans", nil, map[string]string{"Authorization": "Bearer s3cret"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
}

func TestOpenAPIRefsResolve(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	components, _ := doc["components"].(map[string]any)
	schemas, _ := components["schemas"].(map[string]any)
	if _, ok := schemas["ApiError"]; !ok {
		t.Fatalf("ApiError schema not registered; have %d schemas", len(schemas))
	}

	var refs []string
	collectRefs(doc, &refs)
	if len(refs) == 0 {
		t.Fatalf("expected schema references in the document")
	}
	for _, ref := range refs {
		name, ok := strings.CutPrefix(ref, "#/components/schemas/")
		if !ok {
			continue
		}
		if _, ok := schemas[name]; !ok {
			t.Fatalf("dangling reference %s", ref)
		}
	}
}

func collectRefs(v any, out *[]string) {
	switch n := v.(type) {
	case map[string]any:
		for k, child := range n {
			if s, ok := child.(string); ok && k == "$ref" {
				*out = append(*out, s)
				continue
			}
			collectRefs(child, out)
		}
	case []any:
		for _, child := range n {
			collectRefs(child, out)
		}
	}
}
