package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratum-cloud/stratum/pkg/api"
	"github.com/stratum-cloud/stratum/pkg/cloning"
	"github.com/stratum-cloud/stratum/pkg/config"
	"github.com/stratum-cloud/stratum/pkg/driver"
	"github.com/stratum-cloud/stratum/pkg/driver/memory"
	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/ledger"
	"github.com/stratum-cloud/stratum/pkg/policy"
	"github.com/stratum-cloud/stratum/pkg/region"
	"github.com/stratum-cloud/stratum/pkg/resources"
	"github.com/stratum-cloud/stratum/pkg/stores"
	"github.com/stratum-cloud/stratum/pkg/workflows"
)

type testServer struct {
	t     *testing.T
	srv   *httptest.Server
	store *stores.SQLStore
	mem   *memory.Driver
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLStore(stores.Config{Dialect: stores.DialectSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })

	drivers := driver.NewRegistry(driver.RegistryOptions{Logger: zerolog.Nop()})
	mem := memory.New("local")
	require.NoError(t, mem.Register(drivers))

	policies, err := policy.NewEngine(zerolog.Nop())
	require.NoError(t, err)
	tree, err := region.DefaultTree()
	require.NoError(t, err)
	clon := cloning.NewResolver(store, zerolog.Nop())

	reg := engine.NewRegistry()
	require.NoError(t, workflows.Register(reg, workflows.Deps{
		Store:    store,
		Drivers:  drivers,
		Schemas:  config.NewSchemaRegistry(),
		Policies: policies,
		Regions:  region.NewResolver(tree, clon, policies, zerolog.Nop()),
		Cloning:  clon,
		Logger:   zerolog.Nop(),
	}))

	led := ledger.New(store, zerolog.Nop())
	exec, err := engine.NewExecutor(engine.Options{
		Store:        store,
		Ledger:       led,
		Registry:     reg,
		Events:       store,
		Retry:        engine.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = exec.Shutdown(ctx)
	})

	server := api.New(api.Config{WaitTimeout: 10 * time.Second}, api.Deps{
		Executor: exec,
		Ledger:   led,
		Store:    store,
		Policies: clon,
		Regions:  tree,
		Logger:   zerolog.Nop(),
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	ts := &testServer{t: t, srv: srv, store: store, mem: mem}
	for _, ws := range []string{"w1", "w2"} {
		ts.do(http.MethodPost, "/api/v1/workspaces", api.CreateWorkspaceRequest{ID: ws, Platform: "local"}, http.StatusCreated, nil)
	}
	return ts
}

// do sends body as JSON, asserts the status and decodes the answer into out.
func (ts *testServer) do(method, path string, body interface{}, wantStatus int, out interface{}) {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(ts.t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.srv.Client().Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()

	require.Equal(ts.t, wantStatus, resp.StatusCode, "%s %s", method, path)
	if out != nil {
		require.NoError(ts.t, json.NewDecoder(resp.Body).Decode(out))
	}
}

func (ts *testServer) createBucket(ws, name, jobID string) resources.Resource {
	ts.t.Helper()
	var rec resources.Resource
	ts.do(http.MethodPost, "/api/v1/workspaces/"+ws+"/resources?wait=true", api.CreateResourceRequest{
		JobControl: api.JobControl{JobID: jobID},
		Name:       name,
		Type:       resources.TypeStorageContainer,
	}, http.StatusOK, &rec)
	return rec
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	var resp api.HealthzResponse
	ts.do(http.MethodGet, "/healthz", nil, http.StatusOK, &resp)
	assert.Equal(t, "ok", resp.Status)
}

func TestWorkspaces(t *testing.T) {
	ts := newTestServer(t)

	var ws resources.Workspace
	ts.do(http.MethodPost, "/api/v1/workspaces", api.CreateWorkspaceRequest{
		ID: "w3", Platform: "local", DefaultLocation: "Oregon",
	}, http.StatusCreated, &ws)
	assert.Equal(t, "oregon", ws.DefaultLocation)

	var errResp api.ErrorResponse
	ts.do(http.MethodPost, "/api/v1/workspaces", api.CreateWorkspaceRequest{ID: "w3", Platform: "local"}, http.StatusConflict, &errResp)
	assert.Equal(t, engine.ErrCodeAlreadyExists, errResp.Code)

	ts.do(http.MethodPost, "/api/v1/workspaces", api.CreateWorkspaceRequest{ID: "w4", Platform: "mars"}, http.StatusBadRequest, nil)
	ts.do(http.MethodPost, "/api/v1/workspaces", api.CreateWorkspaceRequest{ID: "w4", Platform: "local", DefaultLocation: "atlantis"}, http.StatusBadRequest, nil)
	ts.do(http.MethodPost, "/api/v1/workspaces", api.CreateWorkspaceRequest{Platform: "local"}, http.StatusBadRequest, nil)

	var list []resources.Workspace
	ts.do(http.MethodGet, "/api/v1/workspaces", nil, http.StatusOK, &list)
	assert.Len(t, list, 3)

	ts.do(http.MethodGet, "/api/v1/workspaces/w3", nil, http.StatusOK, &ws)
	assert.Equal(t, "w3", ws.ID)
	ts.do(http.MethodGet, "/api/v1/workspaces/nope", nil, http.StatusNotFound, nil)
}

func TestCreateResource_Wait(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.createBucket("w1", "raw-data", "job-1")
	assert.Equal(t, workflows.ResourceIDFor("job-1"), rec.ID)
	assert.Equal(t, "iowa", rec.Region)
	require.NotNil(t, rec.Handle)

	var got resources.Resource
	ts.do(http.MethodGet, "/api/v1/workspaces/w1/resources/"+rec.ID, nil, http.StatusOK, &got)
	assert.Equal(t, rec.Handle.ID, got.Handle.ID)

	ts.do(http.MethodGet, "/api/v1/workspaces/w2/resources/"+rec.ID, nil, http.StatusNotFound, nil)

	var list []resources.Resource
	ts.do(http.MethodGet, "/api/v1/workspaces/w1/resources", nil, http.StatusOK, &list)
	assert.Len(t, list, 1)

	var errResp api.ErrorResponse
	ts.do(http.MethodPost, "/api/v1/workspaces/w1/resources?wait=true", api.CreateResourceRequest{
		JobControl: api.JobControl{JobID: "job-2"},
		Name:       "raw-data",
		Type:       resources.TypeStorageContainer,
	}, http.StatusConflict, &errResp)
	assert.Equal(t, engine.ErrCodeAlreadyExists, errResp.Code)
}

func TestCreateResource_AsyncAndDuplicate(t *testing.T) {
	ts := newTestServer(t)
	req := api.CreateResourceRequest{
		JobControl: api.JobControl{JobID: "job-1"},
		Name:       "async",
		Type:       resources.TypeStorageContainer,
	}

	var ack api.SubmitResponse
	ts.do(http.MethodPost, "/api/v1/workspaces/w1/resources", req, http.StatusAccepted, &ack)
	assert.Equal(t, "job-1", ack.JobID)
	assert.Equal(t, workflows.ResourceIDFor("job-1"), ack.ResourceID)
	assert.False(t, ack.Duplicate)

	require.Eventually(t, func() bool {
		job, err := ts.store.GetJob(context.Background(), "job-1")
		return err == nil && job.Status.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)

	var dup api.SubmitResponse
	ts.do(http.MethodPost, "/api/v1/workspaces/w1/resources", req, http.StatusOK, &dup)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, engine.JobStatusSucceeded, dup.Status)

	var rec resources.Resource
	ts.do(http.MethodGet, "/api/v1/jobs/job-1/result", nil, http.StatusOK, &rec)
	assert.Equal(t, "async", rec.Name)
	assert.Len(t, ts.mem.Objects(), 1)

	req.Name = "different"
	ts.do(http.MethodPost, "/api/v1/workspaces/w1/resources", req, http.StatusConflict, nil)
}

func TestCreateResource_GeneratesJobID(t *testing.T) {
	ts := newTestServer(t)

	var ack api.SubmitResponse
	ts.do(http.MethodPost, "/api/v1/workspaces/w1/resources", api.CreateResourceRequest{
		Name: "anon",
		Type: resources.TypeStorageContainer,
	}, http.StatusAccepted, &ack)
	assert.NotEmpty(t, ack.JobID)
	assert.Equal(t, workflows.ResourceIDFor(ack.JobID), ack.ResourceID)
}

func TestCreateResource_InvalidNotificationTarget(t *testing.T) {
	ts := newTestServer(t)

	ts.do(http.MethodPost, "/api/v1/workspaces/w1/resources", api.CreateResourceRequest{
		JobControl: api.JobControl{NotificationTarget: "not a url"},
		Name:       "notify",
		Type:       resources.TypeStorageContainer,
	}, http.StatusBadRequest, nil)
}

func TestCreateResource_RegionViolation(t *testing.T) {
	ts := newTestServer(t)

	ts.do(http.MethodPut, "/api/v1/workspaces/w1/policies", []api.PolicyAttachmentRequest{{
		PolicyInput: resources.PolicyInput{
			Namespace:  region.PolicyNamespace,
			Name:       region.PolicyName,
			Additional: []resources.PolicyPair{{Key: region.PolicyKey, Value: "us"}},
		},
	}}, http.StatusOK, nil)

	var errResp api.ErrorResponse
	ts.do(http.MethodPost, "/api/v1/workspaces/w1/resources?wait=true", api.CreateResourceRequest{
		JobControl: api.JobControl{JobID: "job-1"},
		Name:       "eu-bucket",
		Type:       resources.TypeStorageContainer,
		Location:   "belgium",
	}, http.StatusUnprocessableEntity, &errResp)
	assert.Equal(t, engine.ErrCodePolicyViolation, errResp.Code)
	assert.Equal(t, workflows.StepResolveRegion, errResp.Details["step"])

	var job engine.Job
	ts.do(http.MethodGet, "/api/v1/jobs/job-1", nil, http.StatusOK, &job)
	assert.Equal(t, engine.JobStatusFailed, job.Status)
	ts.do(http.MethodGet, "/api/v1/jobs/job-1/result", nil, http.StatusUnprocessableEntity, nil)
}

func TestCloneResource(t *testing.T) {
	ts := newTestServer(t)
	src := ts.createBucket("w1", "source", "job-1")

	var clone resources.Resource
	ts.do(http.MethodPost, "/api/v1/workspaces/w1/resources/"+src.ID+"/clone?wait=true", api.CloneResourceRequest{
		JobControl:             api.JobControl{JobID: "job-2"},
		DestinationWorkspaceID: "w2",
		Cloning:                resources.CopyDefinition,
	}, http.StatusOK, &clone)

	assert.Equal(t, "w2", clone.WorkspaceID)
	assert.Equal(t, "source", clone.Name)
	assert.Equal(t, workflows.ResourceIDFor("job-2"), clone.ID)
	require.Len(t, clone.Lineage, 1)
	assert.Equal(t, src.ID, clone.Lineage[0].SourceResourceID)

	ts.do(http.MethodPost, "/api/v1/workspaces/w2/resources/"+src.ID+"/clone", api.CloneResourceRequest{
		DestinationWorkspaceID: "w1",
	}, http.StatusNotFound, nil)
}

func TestCloneResource_RetryAfterSourceDeleted(t *testing.T) {
	ts := newTestServer(t)
	src := ts.createBucket("w1", "source", "job-1")

	req := api.CloneResourceRequest{
		JobControl:             api.JobControl{JobID: "job-2"},
		DestinationWorkspaceID: "w2",
		Cloning:                resources.CopyDefinition,
	}
	ts.do(http.MethodPost, "/api/v1/workspaces/w1/resources/"+src.ID+"/clone?wait=true", req, http.StatusOK, nil)

	ts.do(http.MethodPost, "/api/v1/workspaces/w1/resources/"+src.ID+"/delete?wait=true", api.DeleteResourceRequest{
		JobControl: api.JobControl{JobID: "job-3"},
	}, http.StatusOK, nil)
	ts.do(http.MethodGet, "/api/v1/workspaces/w1/resources/"+src.ID, nil, http.StatusNotFound, nil)

	var dup api.SubmitResponse
	ts.do(http.MethodPost, "/api/v1/workspaces/w1/resources/"+src.ID+"/clone", req, http.StatusOK, &dup)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, "job-2", dup.JobID)
	assert.Equal(t, engine.JobStatusSucceeded, dup.Status)

	ts.do(http.MethodPost, "/api/v1/workspaces/w1/resources/"+src.ID+"/clone", api.CloneResourceRequest{
		JobControl:             api.JobControl{JobID: "job-4"},
		DestinationWorkspaceID: "w2",
	}, http.StatusNotFound, nil)
}

func TestDeleteResource(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.createBucket("w1", "doomed", "job-1")

	var res workflows.DeleteResult
	ts.do(http.MethodPost, "/api/v1/workspaces/w1/resources/"+rec.ID+"/delete?wait=true", nil, http.StatusOK, &res)
	assert.True(t, res.Existed)
	assert.Empty(t, ts.mem.Objects())

	ts.do(http.MethodGet, "/api/v1/workspaces/w1/resources/"+rec.ID, nil, http.StatusNotFound, nil)

	ts.do(http.MethodPost, "/api/v1/workspaces/w1/resources/"+rec.ID+"/delete?wait=true", nil, http.StatusOK, &res)
	assert.False(t, res.Existed)
}

func TestPolicies(t *testing.T) {
	ts := newTestServer(t)
	constraint := resources.PolicyInput{
		Namespace:  region.PolicyNamespace,
		Name:       region.PolicyName,
		Additional: []resources.PolicyPair{{Key: region.PolicyKey, Value: "europe"}},
	}

	ts.do(http.MethodPut, "/api/v1/workspaces/w2/policies", []api.PolicyAttachmentRequest{{PolicyInput: constraint}}, http.StatusOK, nil)

	var resp api.PoliciesResponse
	ts.do(http.MethodPut, "/api/v1/workspaces/w1/policies", []api.PolicyAttachmentRequest{{
		PolicyInput:       resources.PolicyInput{Namespace: region.PolicyNamespace, Name: region.PolicyName},
		LinkedWorkspaceID: "w2",
	}}, http.StatusOK, &resp)
	assert.Equal(t, "w1", resp.WorkspaceID)
	require.Len(t, resp.Attachments, 1)
	assert.Equal(t, "w2", resp.Attachments[0].LinkedWorkspaceID)
	require.Len(t, resp.Effective, 1)
	assert.Equal(t, []string{"europe"}, resp.Effective[0].Values(region.PolicyKey))

	ts.do(http.MethodGet, "/api/v1/workspaces/w1/policies", nil, http.StatusOK, &resp)
	assert.Len(t, resp.Effective, 1)

	tests := []struct {
		name   string
		body   []api.PolicyAttachmentRequest
		status int
	}{
		{"self link", []api.PolicyAttachmentRequest{{PolicyInput: constraint, LinkedWorkspaceID: "w1"}}, http.StatusBadRequest},
		{"unknown link", []api.PolicyAttachmentRequest{{PolicyInput: constraint, LinkedWorkspaceID: "w9"}}, http.StatusNotFound},
		{"missing name", []api.PolicyAttachmentRequest{{PolicyInput: resources.PolicyInput{Namespace: "terra"}}}, http.StatusBadRequest},
		{"duplicate", []api.PolicyAttachmentRequest{{PolicyInput: constraint}, {PolicyInput: constraint}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts.do(http.MethodPut, "/api/v1/workspaces/w1/policies", tt.body, tt.status, nil)
		})
	}

	ts.do(http.MethodGet, "/api/v1/workspaces/w9/policies", nil, http.StatusNotFound, nil)
}

func TestJobs(t *testing.T) {
	ts := newTestServer(t)
	ts.createBucket("w1", "alpha", "job-1")
	ts.createBucket("w1", "bravo", "job-2")

	var jobs []engine.Job
	ts.do(http.MethodGet, "/api/v1/jobs?limit=1", nil, http.StatusOK, &jobs)
	assert.Len(t, jobs, 1)
	ts.do(http.MethodGet, "/api/v1/jobs", nil, http.StatusOK, &jobs)
	assert.Len(t, jobs, 2)
	ts.do(http.MethodGet, "/api/v1/jobs?limit=zero", nil, http.StatusBadRequest, nil)

	var job engine.Job
	ts.do(http.MethodGet, "/api/v1/jobs/job-1", nil, http.StatusOK, &job)
	assert.Equal(t, engine.JobStatusSucceeded, job.Status)
	assert.Equal(t, engine.WorkflowTypeCreate, job.Type)

	var events []engine.Event
	ts.do(http.MethodGet, "/api/v1/jobs/job-1/events", nil, http.StatusOK, &events)
	assert.NotEmpty(t, events)
	for _, ev := range events {
		assert.Equal(t, "job-1", ev.JobID)
	}

	var errResp api.ErrorResponse
	ts.do(http.MethodPost, "/api/v1/jobs/job-1/cancel", nil, http.StatusConflict, &errResp)
	assert.Equal(t, engine.ErrorClassConflict, errResp.Class)

	ts.do(http.MethodGet, "/api/v1/jobs/nope", nil, http.StatusNotFound, nil)
	ts.do(http.MethodGet, "/api/v1/jobs/nope/result", nil, http.StatusNotFound, nil)
	ts.do(http.MethodGet, "/api/v1/jobs/nope/events", nil, http.StatusNotFound, nil)
}

func TestRegions(t *testing.T) {
	ts := newTestServer(t)

	var root api.LocationResponse
	ts.do(http.MethodGet, "/api/v1/regions/local", nil, http.StatusOK, &root)
	assert.Equal(t, "global", root.Name)
	assert.Len(t, root.Locations, 3)

	var us api.LocationResponse
	ts.do(http.MethodGet, "/api/v1/regions/local?location=US", nil, http.StatusOK, &us)
	assert.Equal(t, "global/us", us.Path)
	assert.Len(t, us.Locations, 3)

	var matched []api.LocationResponse
	ts.do(http.MethodGet, "/api/v1/regions/local?match=global/europe/*", nil, http.StatusOK, &matched)
	names := make([]string, 0, len(matched))
	for _, l := range matched {
		names = append(names, l.Name)
	}
	assert.Equal(t, []string{"belgium", "frankfurt"}, names)

	ts.do(http.MethodGet, "/api/v1/regions/mars", nil, http.StatusNotFound, nil)
	ts.do(http.MethodGet, "/api/v1/regions/local?location=atlantis", nil, http.StatusNotFound, nil)
}

func TestClient(t *testing.T) {
	ts := newTestServer(t)
	ts.createBucket("w1", "alpha", "job-1")
	client := api.NewClient(ts.srv.URL+"/", time.Second)
	ctx := context.Background()

	job, err := client.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, engine.JobStatusSucceeded, job.Status)

	jobs, err := client.ListJobs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	raw, err := client.GetJobResult(ctx, "job-1")
	require.NoError(t, err)
	var rec resources.Resource
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "alpha", rec.Name)

	_, err = client.CancelJob(ctx, "job-1")
	var jerr *engine.JobError
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, engine.ErrorClassConflict, jerr.Class)

	_, err = client.GetJob(ctx, "nope")
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, engine.ErrCodeNotFound, jerr.Code)

	loc, err := client.GetRegion(ctx, "local", "europe")
	require.NoError(t, err)
	assert.Equal(t, "global/europe", loc.Path)
}
