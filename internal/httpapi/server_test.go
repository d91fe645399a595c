package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/config"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/research/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/research/internal/workflows"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeService struct {
	mu        sync.Mutex
	submitted []models.ResearchRequest
	principal string
	submitErr error
	runs      map[string]*models.WorkflowRun
	cancelled []string
	answers   map[string]string
}

func newFakeService() *fakeService {
	return &fakeService{runs: map[string]*models.WorkflowRun{}, answers: map[string]string{}}
}

func (f *fakeService) Submit(ctx context.Context, req models.ResearchRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, req)
	f.principal = policy.PrincipalFrom(ctx)
	return "wf-1", nil
}

func (f *fakeService) GetStatus(_ context.Context, id string) (*models.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, models.ErrWorkflowNotFound
	}
	return run.Clone(), nil
}

func (f *fakeService) Progress(ctx context.Context, id string) (*workflows.Progress, error) {
	run, err := f.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	return &workflows.Progress{WorkflowID: run.ID, Status: run.Status}, nil
}

func (f *fakeService) Report(ctx context.Context, id string) (*models.AggregatedReport, error) {
	run, err := f.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Report == nil {
		return nil, workflows.ErrReportNotReady
	}
	return run.Report, nil
}

func (f *fakeService) Cancel(ctx context.Context, id string) error {
	if _, err := f.GetStatus(ctx, id); err != nil {
		return err
	}
	f.mu.Lock()
	f.cancelled = append(f.cancelled, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeService) SupplyClarification(ctx context.Context, id, stageID, answer string) error {
	run, err := f.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	if run.PendingClarification == nil || run.PendingClarification.StageID != stageID {
		return models.ErrNotAwaiting
	}
	f.mu.Lock()
	f.answers[stageID] = answer
	f.mu.Unlock()
	return nil
}

func newTestServer(t *testing.T, svc Service, events *streaming.Manager, auth *Authenticator) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(svc, events, auth, zaptest.NewLogger(t)).Router())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string, header http.Header) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestSubmit(t *testing.T) {
	svc := newFakeService()
	srv := newTestServer(t, svc, streaming.NewManager(0), nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/workflows",
		`{"query":"graphene batteries","methodology":"academic","time_ceiling":"90s","budget_ceiling":2.5}`, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "wf-1", body["workflow_id"])
	assert.Equal(t, "/v1/workflows/wf-1", resp.Header.Get("Location"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	require.Len(t, svc.submitted, 1)
	assert.Equal(t, 90*time.Second, svc.submitted[0].TimeCeiling)
	assert.Equal(t, models.MethodologyAcademic, svc.submitted[0].Methodology)
	assert.Equal(t, 2.5, svc.submitted[0].BudgetCeiling)
}

func TestSubmit_BadInput(t *testing.T) {
	srv := newTestServer(t, newFakeService(), streaming.NewManager(0), nil)

	for name, body := range map[string]string{
		"malformed":     `{"query":`,
		"unknown field": `{"query":"q","methodology":"hybrid","colour":"red"}`,
		"bad duration":  `{"query":"q","methodology":"hybrid","time_ceiling":"soon"}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, out := do(t, http.MethodPost, srv.URL+"/v1/workflows", body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{workflows.ErrInvalidRequest, http.StatusBadRequest},
		{models.NewStageError(models.KindPolicyDenied, "", "", nil), http.StatusForbidden},
		{models.ErrWorkflowNotFound, http.StatusNotFound},
		{models.ErrNotAwaiting, http.StatusConflict},
		{workflows.ErrReportNotReady, http.StatusConflict},
		{workflows.ErrShuttingDown, http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		svc := newFakeService()
		svc.submitErr = tt.err
		srv := newTestServer(t, svc, streaming.NewManager(0), nil)
		resp, out := do(t, http.MethodPost, srv.URL+"/v1/workflows", `{"query":"q","methodology":"hybrid"}`, nil)
		assert.Equal(t, tt.code, resp.StatusCode, tt.err.Error())
		if tt.code == http.StatusInternalServerError {
			assert.Equal(t, "internal error", out["error"])
		}
	}
}

func TestWorkflowRoutes(t *testing.T) {
	svc := newFakeService()
	now := time.Now()
	run := models.NewWorkflowRun("wf-1", models.ResearchRequest{Query: "q", Methodology: models.MethodologyHybrid}, now)
	run.Status = models.StatusRunning
	run.PendingClarification = &models.Clarification{StageID: "synthesis", Question: "Which market?"}
	svc.runs["wf-1"] = run
	srv := newTestServer(t, svc, streaming.NewManager(0), nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/workflows/wf-1", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, false, body["report_ready"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/workflows/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/workflows/wf-1/progress", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "wf-1", body["workflow_id"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/workflows/wf-1/report", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/workflows/wf-1/clarification", `{"stage_id":"analysis","answer":"EU"}`, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/workflows/wf-1/clarification", `{"stage_id":"synthesis"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/workflows/wf-1/clarification", `{"stage_id":"synthesis","answer":"EU"}`, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "EU", svc.answers["synthesis"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/workflows/wf-1/cancel", "", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"wf-1"}, svc.cancelled)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/v1/workflows/wf-1", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAuthentication(t *testing.T) {
	auth := NewAuthenticator(config.AuthConfig{Enabled: true, JWTSecret: "test-secret"})
	require.NotNil(t, auth)
	assert.Nil(t, NewAuthenticator(config.AuthConfig{}))

	svc := newFakeService()
	srv := newTestServer(t, svc, streaming.NewManager(0), auth)
	body := `{"query":"q","methodology":"hybrid"}`

	resp, _ := do(t, http.MethodPost, srv.URL+"/v1/workflows", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/workflows", body, http.Header{"Authorization": {"Bearer garbage"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	other := NewAuthenticator(config.AuthConfig{Enabled: true, JWTSecret: "other-secret"})
	forged, err := other.Issue("mallory", time.Minute)
	require.NoError(t, err)
	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/workflows", body, http.Header{"Authorization": {"Bearer " + forged}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := auth.Issue("alice", time.Minute)
	require.NoError(t, err)
	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/workflows", body, http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "alice", svc.principal)

	expired, err := auth.Issue("alice", -time.Minute)
	require.NoError(t, err)
	_, err = auth.Validate(expired)
	assert.Error(t, err)
}

func publishRun(events *streaming.Manager, id string) {
	ctx := context.Background()
	events.Publish(ctx, streaming.Event{WorkflowID: id, Type: streaming.EventWorkflowStarted})
	events.Publish(ctx, streaming.Event{WorkflowID: id, Type: streaming.EventStageCompleted, Stage: "search"})
	events.Publish(ctx, streaming.Event{WorkflowID: id, Type: streaming.EventWorkflowSucceeded})
}

func TestSSE_ReplaysAfterLastEventID(t *testing.T) {
	svc := newFakeService()
	svc.runs["wf-1"] = models.NewWorkflowRun("wf-1", models.ResearchRequest{}, time.Now())
	events := streaming.NewManager(0)
	publishRun(events, "wf-1")
	srv := newTestServer(t, svc, events, nil)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/workflows/wf-1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var ids, types []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		case strings.HasPrefix(line, "event: "):
			types = append(types, strings.TrimPrefix(line, "event: "))
		}
	}
	assert.Equal(t, []string{"2", "3"}, ids)
	assert.Equal(t, []string{streaming.EventStageCompleted, streaming.EventWorkflowSucceeded}, types)
}

func TestSSE_UnknownWorkflow(t *testing.T) {
	srv := newTestServer(t, newFakeService(), streaming.NewManager(0), nil)
	resp, _ := do(t, http.MethodGet, srv.URL+"/v1/workflows/nope/events", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocket_StreamsLiveEvents(t *testing.T) {
	svc := newFakeService()
	svc.runs["wf-1"] = models.NewWorkflowRun("wf-1", models.ResearchRequest{}, time.Now())
	events := streaming.NewManager(0)
	srv := newTestServer(t, svc, events, nil)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/workflows/wf-1/ws?types=" + streaming.EventWorkflowSucceeded
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the subscription is registered after the upgrade; publish until it lands
	go func() {
		for i := 0; i < 50; i++ {
			publishRun(events, "wf-1")
			time.Sleep(20 * time.Millisecond)
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev streaming.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, streaming.EventWorkflowSucceeded, ev.Type)
	assert.Equal(t, "wf-1", ev.WorkflowID)

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}
