package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildline/internal/config"
	"buildline/internal/db"
	"buildline/internal/domain"
	"buildline/internal/engine"
	"buildline/internal/logging"
	"buildline/internal/metrics"
	"buildline/internal/migrate"
)

const (
	testProject = "tower-a"
	testSecret  = "test-secret"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default(testProject)
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn, db.DriverSQLite))

	reg := prometheus.NewRegistry()
	logger, _ := logging.NewObserved()
	e := engine.New(conn, cfg, engine.WithLogger(logger), engine.WithMetrics(metrics.New(reg)))
	_, err = e.InitProject(context.Background(), testProject, "Tower A", "tester")
	require.NoError(t, err)

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Gatherer: reg,
		Auth: AuthConfig{
			JWTSecret:        testSecret,
			AllowActorHeader: true,
			DevLogin:         true,
		},
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
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
	t.Cleanup(testSrv.Close)
	return testSrv
}

func actor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

// call asserts the status code and decodes the body into out when out is not nil.
func call(t *testing.T, srv *testServer, method, path string, body any, status int, out any) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), method, srv.URL+"/v0"+path, body, actor("pm"))
	require.Equal(t, status, res.StatusCode, string(data))
	if out != nil {
		require.NoError(t, json.Unmarshal(data, out))
	}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func TestHealthIsOpenAndAPIRequiresIdentity(t *testing.T) {
	srv := newTestServer(t)

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))
}

func TestDevLoginTokenIdentifiesActor(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "inspector"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var tok TokenResponse
	require.NoError(t, json.Unmarshal(data, &tok))
	assert.Equal(t, "Bearer", tok.TokenType)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + tok.AccessToken})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var p Principal
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, "inspector", p.ActorID)
	assert.Equal(t, "jwt", p.Source)
}

func TestIssueTokenRoundTrip(t *testing.T) {
	now := time.Now()
	token, err := IssueToken(testSecret, "pm", []string{"manager"}, time.Hour, now)
	require.NoError(t, err)
	p, err := authenticateJWT(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "pm", p.ActorID)
	assert.Equal(t, []string{"manager"}, p.Roles)

	_, err = authenticateJWT(token, "other-secret")
	assert.Error(t, err)
	expired, err := IssueToken(testSecret, "pm", nil, time.Minute, now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = authenticateJWT(expired, testSecret)
	assert.Error(t, err)
	_, err = IssueToken(testSecret, " ", nil, time.Hour, now)
	assert.Error(t, err)
}

func TestAcceptanceFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	base := "/projects/" + testProject

	var phase, leaf domain.WorkItem
	call(t, srv, http.MethodPost, base+"/work-items", map[string]any{"name": "Structure", "start_date": "2026-03-01", "end_date": "2026-03-31"}, http.StatusCreated, &phase)
	call(t, srv, http.MethodPost, base+"/work-items", map[string]any{"name": "Columns", "parent_id": phase.ID}, http.StatusCreated, &leaf)

	var log domain.ProgressLog
	call(t, srv, http.MethodPost, "/work-items/"+leaf.ID+"/logs", map[string]any{"log_date": "2026-03-09", "percentage": 60}, http.StatusCreated, &log)
	assert.Equal(t, "pm", log.AuthorID)

	var got domain.WorkItem
	call(t, srv, http.MethodGet, "/work-items/"+phase.ID, nil, http.StatusOK, &got)
	assert.Equal(t, 60.0, got.Percentage)

	var tree []TreeEntry
	call(t, srv, http.MethodGet, base+"/work-items/tree", nil, http.StatusOK, &tree)
	require.Len(t, tree, 2)
	assert.Equal(t, phase.ID, tree[0].WorkItem.ID)
	assert.Equal(t, 1, tree[1].Depth)

	var stage engine.StageView
	call(t, srv, http.MethodPost, base+"/stages", map[string]any{"work_item_id": phase.ID}, http.StatusCreated, &stage)
	assert.Equal(t, domain.StagePending, stage.Status)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/stages/"+stage.ID+"/approve-pm", nil, actor("pm"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, domain.ReasonWrongState, errorCode(t, data))

	call(t, srv, http.MethodPost, "/stages/"+stage.ID+"/reject", map[string]any{"reason": "crooked wall"}, http.StatusOK, &stage)
	assert.Equal(t, domain.StageRejected, stage.Status)
	assert.True(t, stage.HasOpenDefects)

	var defects []domain.Defect
	call(t, srv, http.MethodGet, base+"/defects?stage_id="+stage.ID, nil, http.StatusOK, &defects)
	require.Len(t, defects, 1)
	defectID := defects[0].ID

	call(t, srv, http.MethodPost, "/stages/"+stage.ID+"/resubmit", nil, http.StatusOK, &stage)
	call(t, srv, http.MethodPost, "/stages/"+stage.ID+"/approve-supervisor", nil, http.StatusOK, &stage)
	call(t, srv, http.MethodPost, "/stages/"+stage.ID+"/approve-pm", nil, http.StatusOK, &stage)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/stages/"+stage.ID+"/approve-customer", nil, actor("client"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, domain.ReasonOpenDefects, errorCode(t, data))

	var d domain.Defect
	call(t, srv, http.MethodPost, "/defects/"+defectID+"/start", nil, http.StatusOK, &d)
	call(t, srv, http.MethodPost, "/defects/"+defectID+"/fix", map[string]any{"note": "rebuilt"}, http.StatusOK, &d)
	call(t, srv, http.MethodPost, "/defects/"+defectID+"/verify", nil, http.StatusOK, &d)
	assert.Equal(t, domain.DefectVerified, d.Status)

	var history []domain.DefectHistory
	call(t, srv, http.MethodGet, "/defects/"+defectID+"/history", nil, http.StatusOK, &history)
	require.Len(t, history, 4)
	assert.Equal(t, engine.ActionCreated, history[0].Action)
	assert.Equal(t, "rebuilt", history[2].Note)
	assert.Equal(t, engine.ActionVerify, history[3].Action)

	call(t, srv, http.MethodPost, "/stages/"+stage.ID+"/approve-customer", nil, http.StatusOK, &stage)
	assert.Equal(t, domain.StageCustomerApproved, stage.Status)
	assert.True(t, stage.FullyApproved)

	var items []domain.AcceptanceItem
	call(t, srv, http.MethodGet, "/stages/"+stage.ID+"/items", nil, http.StatusOK, &items)
	require.Len(t, items, 1)

	var p domain.ProjectProgress
	call(t, srv, http.MethodGet, base+"/progress", nil, http.StatusOK, &p)
	assert.Equal(t, domain.SourceAcceptance, p.CalculatedFrom)
	assert.Equal(t, 100.0, p.OverallPercentage)
}

func TestSimplifiedWorkflowRefusesOwnerStep(t *testing.T) {
	srv := newTestServer(t)
	var phase domain.WorkItem
	call(t, srv, http.MethodPost, "/projects/"+testProject+"/work-items", map[string]any{"name": "Roof"}, http.StatusCreated, &phase)
	var stage engine.StageView
	call(t, srv, http.MethodPost, "/projects/"+testProject+"/stages", map[string]any{"work_item_id": phase.ID}, http.StatusCreated, &stage)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/stages/"+stage.ID+"/approve-owner", nil, actor("owner"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, domain.ReasonStepNotInWorkflow, errorCode(t, data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/stages/"+stage.ID+"/teleport", nil, actor("owner"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/stages/missing/approve-supervisor", nil, actor("sup"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, domain.ReasonNotFound, errorCode(t, data))
}

func TestItemLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	var phase domain.WorkItem
	call(t, srv, http.MethodPost, "/projects/"+testProject+"/work-items", map[string]any{"name": "Finishes"}, http.StatusCreated, &phase)
	var stage engine.StageView
	call(t, srv, http.MethodPost, "/projects/"+testProject+"/stages", map[string]any{"work_item_id": phase.ID}, http.StatusCreated, &stage)

	var it domain.AcceptanceItem
	call(t, srv, http.MethodPost, "/stages/"+stage.ID+"/items", map[string]any{
		"name":       "Floor tiles",
		"start_date": "2026-01-01",
		"end_date":   "2026-01-10",
	}, http.StatusCreated, &it)
	assert.Equal(t, domain.AcceptancePending, it.AcceptanceStatus)

	call(t, srv, http.MethodPost, "/items/"+it.ID+"/submit", nil, http.StatusOK, &it)
	assert.Equal(t, domain.ItemSubmitted, it.WorkflowStatus)

	call(t, srv, http.MethodPost, "/items/"+it.ID+"/reject", map[string]any{"reason": "cracked tile"}, http.StatusOK, &it)
	assert.Equal(t, domain.AcceptanceRejected, it.AcceptanceStatus)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items/"+it.ID+"/approve", nil, actor("inspector"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, domain.ReasonCannotAccept, errorCode(t, data))

	var defects []domain.Defect
	call(t, srv, http.MethodGet, "/projects/"+testProject+"/defects?status=open", nil, http.StatusOK, &defects)
	require.Len(t, defects, 1)
	require.NotNil(t, defects[0].ItemID)
	assert.Equal(t, it.ID, *defects[0].ItemID)
}

func TestEngineErrorsMapToStatus(t *testing.T) {
	srv := newTestServer(t)
	base := "/projects/" + testProject

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/work-items/missing", nil, actor("pm"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, data))

	var phase, leaf domain.WorkItem
	call(t, srv, http.MethodPost, base+"/work-items", map[string]any{"name": "Structure"}, http.StatusCreated, &phase)
	call(t, srv, http.MethodPost, base+"/work-items", map[string]any{"name": "Columns", "parent_id": phase.ID}, http.StatusCreated, &leaf)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/work-items/"+phase.ID+"/logs", map[string]any{"percentage": 10}, actor("pm"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "bad_request", errorCode(t, data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/work-items/"+leaf.ID+"/logs", map[string]any{"percentage": 150}, actor("pm"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/work-items/"+phase.ID, map[string]any{"percentage": 90}, actor("pm"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/work-items/"+phase.ID, map[string]any{"parent_id": leaf.ID}, actor("pm"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	var first, second domain.ProgressLog
	call(t, srv, http.MethodPost, "/work-items/"+leaf.ID+"/logs", map[string]any{"log_date": "2026-03-08", "percentage": 10}, http.StatusCreated, &first)
	call(t, srv, http.MethodPost, "/work-items/"+leaf.ID+"/logs", map[string]any{"log_date": "2026-03-09", "percentage": 20}, http.StatusCreated, &second)
	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/logs/"+second.ID, map[string]any{"log_date": first.LogDate}, actor("pm"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "bad_request", errorCode(t, data))
}

func TestProgressEndpoints(t *testing.T) {
	srv := newTestServer(t)
	base := "/projects/" + testProject

	var p domain.ProjectProgress
	call(t, srv, http.MethodPut, base+"/progress/manual", map[string]any{"percentage": 25}, http.StatusOK, &p)
	assert.Equal(t, 25.0, p.OverallPercentage)
	assert.Equal(t, domain.SourceManual, p.CalculatedFrom)

	call(t, srv, http.MethodPut, base+"/subcontractors", map[string]any{"name": "Electrics", "percentage": 40}, http.StatusOK, &p)
	assert.Equal(t, 40.0, p.OverallPercentage)
	assert.Equal(t, domain.SourceSubcontractors, p.CalculatedFrom)

	var subs []domain.SubcontractorProgress
	call(t, srv, http.MethodGet, base+"/subcontractors", nil, http.StatusOK, &subs)
	require.Len(t, subs, 1)
	assert.Equal(t, 1.0, subs[0].Weight)

	call(t, srv, http.MethodPost, base+"/progress/recalculate", nil, http.StatusOK, &p)
	assert.Equal(t, 40.0, p.OverallPercentage)

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/nope/progress", nil, actor("pm"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestEventsTailWithCursor(t *testing.T) {
	srv := newTestServer(t)
	base := "/projects/" + testProject
	call(t, srv, http.MethodPost, base+"/work-items", map[string]any{"name": "Structure"}, http.StatusCreated, nil)
	call(t, srv, http.MethodPost, base+"/work-items", map[string]any{"name": "Roof"}, http.StatusCreated, nil)

	var page paginatedEvents
	call(t, srv, http.MethodGet, base+"/events?after=0&limit=2", nil, http.StatusOK, &page)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "project.init", page.Items[0].Type)
	require.NotEmpty(t, page.NextCursor)

	var next paginatedEvents
	call(t, srv, http.MethodGet, base+"/events?after="+page.NextCursor, nil, http.StatusOK, &next)
	require.Len(t, next.Items, 1)
	assert.Equal(t, "work_item.created", next.Items[0].Type)
	assert.Equal(t, "Roof", next.Items[0].Payload["name"])

	var latest paginatedEvents
	call(t, srv, http.MethodGet, base+"/events?type=work_item.created", nil, http.StatusOK, &latest)
	assert.Len(t, latest.Items, 2)

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0"+base+"/events?after=abc", nil, actor("pm"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestProjectsAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	var created domain.Project
	call(t, srv, http.MethodPost, "/projects", map[string]any{"id": "tower-b", "name": "Tower B"}, http.StatusCreated, &created)
	assert.Equal(t, "Tower B", created.Name)

	var projects []domain.Project
	call(t, srv, http.MethodGet, "/projects", nil, http.StatusOK, &projects)
	assert.Len(t, projects, 2)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, strings.Contains(string(data), "buildline_http_requests_total"))
}

func TestOpenAPIResponseSchemasAreFlat(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var doc struct {
		Components struct {
			Schemas map[string]struct {
				Properties map[string]json.RawMessage `json:"properties"`
			} `json:"schemas"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	stage, ok := doc.Components.Schemas["StageView"]
	require.True(t, ok)
	for _, prop := range []string{"id", "status", "supervisor", "has_open_defects", "acceptability_status"} {
		assert.Contains(t, stage.Properties, prop)
	}
	// the schema link transformer adds $schema to every response object it can rebuild
	assert.Contains(t, stage.Properties, "$schema")

	entry, ok := doc.Components.Schemas["TreeEntry"]
	require.True(t, ok)
	assert.Contains(t, entry.Properties, "work_item")
	assert.Contains(t, entry.Properties, "depth")
}
