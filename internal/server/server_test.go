package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"go.uber.org/zap/zaptest"

	"innervoice/internal/config"
	"innervoice/internal/db"
	"innervoice/internal/engine"
	"innervoice/internal/migrate"
)

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
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := zaptest.NewLogger(t)
	e, err := engine.New(context.Background(), conn, config.Default(), log)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	e.FlushDelay = 0
	handler, err := New(Config{Engine: e, BasePath: "/v0", Log: log})
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

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
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
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
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

func getState(t *testing.T, srv *testServer) StateResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/state", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get state: %d %s", res.StatusCode, string(data))
	}
	var st StateResponse
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	return st
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestCompleteTaskCreditsBalance(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"text":       "Write report",
		"difficulty": "Hard",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.RewardValue != "50.00" {
		t.Fatalf("expected reward value 50.00, got %s", task.RewardValue)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/toggle", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("toggle: %d %s", res.StatusCode, string(data))
	}
	st := getState(t, srv)
	if st.Balance != "50.00" {
		t.Fatalf("expected balance 50.00, got %s", st.Balance)
	}
	if st.Dialogue.Pending != 2 || st.Dialogue.Label != "continue" {
		t.Fatalf("expected two pending lines, got %+v", st.Dialogue)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/dialogue/advance", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance: %d %s", res.StatusCode, string(data))
	}
	var dlg DialogueResponse
	_ = json.Unmarshal(data, &dlg)
	if dlg.Pending != 1 || dlg.Label != "end" || len(dlg.History) != 1 {
		t.Fatalf("unexpected dialogue after advance: %+v", dlg)
	}
}

func TestInsufficientFundsConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rewards", map[string]any{
		"text": "Cake",
		"cost": "10.00",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create reward: %d %s", res.StatusCode, string(data))
	}
	var reward RewardResponse
	_ = json.Unmarshal(data, &reward)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rewards/"+reward.ID+"/buy", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(data))
	}
	var apiErr struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &apiErr); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if apiErr.Error.Code != "insufficient_funds" {
		t.Fatalf("expected insufficient_funds, got %+v", apiErr.Error)
	}
	st := getState(t, srv)
	if st.Balance != "0.00" {
		t.Fatalf("balance changed: %s", st.Balance)
	}
	if st.Dialogue.Active == nil || st.Dialogue.Active.Persona != "Logic" {
		t.Fatalf("expected Logic to complain, got %+v", st.Dialogue)
	}
}

func TestBadRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	cases := []struct {
		name string
		path string
		body map[string]any
	}{
		{"empty task", "/v0/tasks", map[string]any{"text": ""}},
		{"bad cost", "/v0/rewards", map[string]any{"text": "x", "cost": "1.234"}},
		{"bad persona", "/v0/rules", map[string]any{"trigger": "TASK_ADD", "persona": "Shivers", "text": "x"}},
		{"bad trigger", "/v0/rules", map[string]any{"trigger": "NOPE", "persona": "Logic", "text": "x"}},
		{"bad voice persona", "/v0/voice", map[string]any{"persona": "Nobody", "action": "x"}},
	}
	for _, tc := range cases {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+tc.path, tc.body)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d %s", tc.name, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/missing/toggle", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestRulesAndFocusFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rules", map[string]any{
		"trigger": "task-created",
		"persona": "half light",
		"text":    "快跑",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create rule: %d %s", res.StatusCode, string(data))
	}
	var rule RuleResponse
	_ = json.Unmarshal(data, &rule)
	if rule.Trigger != "TASK_ADD" || rule.Persona != "Half Light" {
		t.Fatalf("aliases not normalized: %+v", rule)
	}

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/focus", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("focus: %d", res.StatusCode)
	}
	for i := 0; i < 2; i++ {
		doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{"text": "t"})
	}
	st := getState(t, srv)
	if st.Mode != "focused" || st.Buffered != 2 || st.Dialogue.Pending != 0 {
		t.Fatalf("expected buffered triggers while focused: %+v", st)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/focus/return", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("return: %d %s", res.StatusCode, string(data))
	}
	st = getState(t, srv)
	if st.Buffered != 0 || st.Dialogue.Pending != 1 || st.Dialogue.Active.Text != "快跑" {
		t.Fatalf("expected one flushed line: %+v", st.Dialogue)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/rules/"+rule.ID, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete rule: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/rules", nil)
	var list rulesList
	_ = json.Unmarshal(data, &list)
	if res.StatusCode != http.StatusOK || len(list.Items) != 0 {
		t.Fatalf("expected no rules: %d %s", res.StatusCode, string(data))
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	for i := 0; i < 3; i++ {
		doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{"text": "t"})
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("unexpected first page: %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2&cursor="+page.NextCursor, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2: %d %s", res.StatusCode, string(data))
	}
	var last paginatedEvents
	_ = json.Unmarshal(data, &last)
	if len(last.Items) != 1 || last.NextCursor != "" || last.Items[0].Type != "task.create" {
		t.Fatalf("unexpected second page: %s", string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
}
