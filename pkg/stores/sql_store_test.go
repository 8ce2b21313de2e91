package stores

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/resources"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()

	store, err := NewSQLStore(Config{Dialect: DialectSQLite, DSN: ":memory:"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newWorkflow(id, jobID, resourceID string) (*engine.Job, *engine.WorkflowInstance) {
	now := time.Now().UTC()
	wf := &engine.WorkflowInstance{
		ID:         id,
		JobID:      jobID,
		Type:       engine.WorkflowTypeCreate,
		ResourceID: resourceID,
		Status:     engine.WorkflowStatusCreated,
		Phase:      engine.PhaseForward,
		Inputs:     json.RawMessage(`{"name":"bucket"}`),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	job := &engine.Job{
		ID:          jobID,
		WorkflowID:  id,
		Type:        engine.WorkflowTypeCreate,
		ResourceID:  resourceID,
		Status:      engine.JobStatusRunning,
		Fingerprint: "fp-" + jobID,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	return job, wf
}

func register(t *testing.T, store *SQLStore, wfID, jobID, resourceID string) *engine.Job {
	t.Helper()
	job, wf := newWorkflow(wfID, jobID, resourceID)
	got, created, err := store.RegisterJob(context.Background(), job, wf)
	require.NoError(t, err)
	require.True(t, created)
	return got
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLStore(Config{DSN: ":memory:"})
	require.NoError(t, err)
	assert.Equal(t, DialectSQLite, store.dialect)
	assert.Equal(t, 1, store.cfg.MaxOpenConns)

	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.HealthCheck(ctx))
	require.NoError(t, store.Close())
}

func TestNewSQLStore_Validation(t *testing.T) {
	_, err := NewSQLStore(Config{Dialect: "mysql", DSN: "x"})
	assert.Error(t, err)

	_, err = NewSQLStore(Config{Dialect: DialectPostgres})
	assert.Error(t, err)
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{
		"workspaces", "workflows", "workflow_steps", "jobs",
		"resource_locks", "resources", "workspace_policies", "events",
	}
	for _, table := range tables {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		assert.NoError(t, err, "table %s", table)
	}

	version, dirty, err := store.MigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// Migrating twice is a no-op.
	require.NoError(t, store.Migrate(ctx))
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{dialect: DialectPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	lite := &SQLStore{dialect: DialectSQLite}
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
}

func TestRegisterJob(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	job := register(t, store, "wf-1", "job-1", "res-1")
	assert.Equal(t, "job-1", job.ID)

	t.Run("duplicate returns existing", func(t *testing.T) {
		dup, wf := newWorkflow("wf-other", "job-1", "res-1")
		got, created, err := store.RegisterJob(ctx, dup, wf)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "wf-1", got.WorkflowID)
		assert.Equal(t, "fp-job-1", got.Fingerprint)

		_, err = store.LoadWorkflow(ctx, "wf-other")
		assert.True(t, engine.HasCode(err, engine.ErrCodeNotFound))
	})

	t.Run("locked resource is busy", func(t *testing.T) {
		other, wf := newWorkflow("wf-2", "job-2", "res-1")
		_, _, err := store.RegisterJob(ctx, other, wf)
		require.Error(t, err)
		assert.True(t, engine.IsConflict(err))
		assert.True(t, engine.HasCode(err, engine.ErrCodeResourceBusy))

		_, err = store.GetJob(ctx, "job-2")
		assert.True(t, engine.HasCode(err, engine.ErrCodeNotFound))
	})

	t.Run("lock released by terminal outcome", func(t *testing.T) {
		require.NoError(t, store.MarkTerminal(ctx, "wf-1", engine.Outcome{Status: engine.WorkflowStatusSucceeded}))
		register(t, store, "wf-3", "job-3", "res-1")
	})
}

func TestSaveStepAndLoad(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	register(t, store, "wf-1", "job-1", "res-1")

	require.NoError(t, store.SetStatus(ctx, "wf-1", engine.WorkflowStatusRunning))
	require.NoError(t, store.SaveStep(ctx, "wf-1", 0, "validate", json.RawMessage(`{"ok":true}`)))
	require.NoError(t, store.SaveStep(ctx, "wf-1", 1, "resolve-region", json.RawMessage(`"us-central1"`)))

	// A replayed save keeps the first output and does not move the cursor back.
	require.NoError(t, store.SaveStep(ctx, "wf-1", 0, "validate", json.RawMessage(`{"ok":false}`)))

	wf, err := store.LoadWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, engine.WorkflowStatusRunning, wf.Status)
	assert.Equal(t, 2, wf.Cursor)
	require.Len(t, wf.Steps, 2)
	assert.JSONEq(t, `{"ok":true}`, string(wf.Steps[0].Output))
	assert.Equal(t, "resolve-region", wf.Steps[1].Name)
	assert.JSONEq(t, `{"name":"bucket"}`, string(wf.Inputs))
	assert.False(t, wf.Steps[0].Compensated())
}

func TestSetStatus_RejectsTerminal(t *testing.T) {
	store := setupTestStore(t)
	register(t, store, "wf-1", "job-1", "res-1")

	err := store.SetStatus(context.Background(), "wf-1", engine.WorkflowStatusSucceeded)
	assert.Error(t, err)
}

func TestCompensationState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	register(t, store, "wf-1", "job-1", "res-1")

	require.NoError(t, store.SaveStep(ctx, "wf-1", 0, "provision", nil))
	failure := &engine.JobError{Class: engine.ErrorClassPermanent, Code: engine.ErrCodePolicyViolation, Message: "region denied"}
	require.NoError(t, store.SetPhase(ctx, "wf-1", engine.PhaseCompensating, failure))
	require.NoError(t, store.MarkCompensated(ctx, "wf-1", 0))
	require.NoError(t, store.MarkCompensated(ctx, "wf-1", 0))

	wf, err := store.LoadWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, engine.PhaseCompensating, wf.Phase)
	require.NotNil(t, wf.Failure)
	assert.Equal(t, engine.ErrCodePolicyViolation, wf.Failure.Code)
	assert.True(t, wf.Steps[0].Compensated())

	err = store.MarkCompensated(ctx, "wf-1", 5)
	assert.True(t, engine.HasCode(err, engine.ErrCodeNotFound))
}

func TestMarkTerminal(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	register(t, store, "wf-1", "job-1", "res-1")

	outcome := engine.Outcome{
		Status: engine.WorkflowStatusFailed,
		Error: &engine.JobError{
			Class:              engine.ErrorClassInfrastructureFatal,
			Code:               engine.ErrCodeRollbackIncomplete,
			Message:            "deprovision failed",
			RollbackIncomplete: true,
			Details:            map[string]interface{}{"step": "provision"},
		},
		RollbackIncomplete: true,
	}
	require.NoError(t, store.MarkTerminal(ctx, "wf-1", outcome))

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, engine.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.True(t, job.Error.RollbackIncomplete)
	assert.Equal(t, "provision", job.Error.Details["step"])

	wf, err := store.LoadWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, engine.WorkflowStatusFailed, wf.Status)
	assert.True(t, wf.RollbackIncomplete)
	assert.NotNil(t, wf.CompletedAt)

	// A second outcome is ignored.
	require.NoError(t, store.MarkTerminal(ctx, "wf-1", engine.Outcome{
		Status: engine.WorkflowStatusSucceeded,
		Result: json.RawMessage(`{"id":"res-1"}`),
	}))
	job, err = store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, engine.JobStatusFailed, job.Status)
	assert.Empty(t, job.Result)

	err = store.MarkTerminal(ctx, "missing", engine.Outcome{Status: engine.WorkflowStatusSucceeded})
	assert.True(t, engine.HasCode(err, engine.ErrCodeNotFound))

	err = store.MarkTerminal(ctx, "wf-1", engine.Outcome{Status: engine.WorkflowStatusRunning})
	assert.Error(t, err)
}

func TestRequestCancel(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	register(t, store, "wf-1", "job-1", "res-1")

	require.NoError(t, store.RequestCancel(ctx, "wf-1"))
	wf, err := store.LoadWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.True(t, wf.CancelRequested)

	require.NoError(t, store.MarkTerminal(ctx, "wf-1", engine.Outcome{Status: engine.WorkflowStatusSucceeded}))
	err = store.RequestCancel(ctx, "wf-1")
	assert.True(t, engine.IsConflict(err))

	err = store.RequestCancel(ctx, "missing")
	assert.True(t, engine.HasCode(err, engine.ErrCodeNotFound))
}

func TestListActiveWorkflows(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	register(t, store, "wf-1", "job-1", "res-1")
	register(t, store, "wf-2", "job-2", "res-2")
	require.NoError(t, store.MarkTerminal(ctx, "wf-1", engine.Outcome{Status: engine.WorkflowStatusSucceeded}))

	active, err := store.ListActiveWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "wf-2", active[0].ID)
}

func TestNotifications(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	job, wf := newWorkflow("wf-1", "job-1", "res-1")
	job.NotificationTarget = "http://example.invalid/hook"
	_, created, err := store.RegisterJob(ctx, job, wf)
	require.NoError(t, err)
	require.True(t, created)
	register(t, store, "wf-2", "job-2", "res-2")

	pending, err := store.PendingNotifications(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "running jobs are not pending")

	require.NoError(t, store.MarkTerminal(ctx, "wf-1", engine.Outcome{Status: engine.WorkflowStatusSucceeded}))
	require.NoError(t, store.MarkTerminal(ctx, "wf-2", engine.Outcome{Status: engine.WorkflowStatusSucceeded}))

	pending, err = store.PendingNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "job-1", pending[0].ID)

	require.NoError(t, store.MarkNotified(ctx, "job-1"))
	pending, err = store.PendingNotifications(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	err = store.MarkNotified(ctx, "missing")
	assert.True(t, engine.HasCode(err, engine.ErrCodeNotFound))

	jobs, err := store.ListJobs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func createWorkspace(t *testing.T, store *SQLStore, id string) {
	t.Helper()
	require.NoError(t, store.CreateWorkspace(context.Background(), &resources.Workspace{
		ID:              id,
		Platform:        "local",
		DefaultLocation: "us-central1",
		Properties:      map[string]string{"team": "genomics"},
	}))
}

func TestResourceCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createWorkspace(t, store, "ws-1")

	r := &resources.Resource{
		ID:          "res-1",
		WorkspaceID: "ws-1",
		Name:        "bucket",
		Type:        resources.TypeStorageContainer,
		Stewardship: resources.StewardshipControlled,
		Cloning:     resources.CopyResource,
		Region:      "us-central1",
		Handle:      &resources.Handle{Platform: "local", Type: resources.TypeStorageContainer, ID: "local-bucket-1"},
		Attributes:  map[string]interface{}{"versioning": true},
		Lineage:     []resources.LineageEntry{{SourceWorkspaceID: "ws-0", SourceResourceID: "res-0"}},
	}
	require.NoError(t, store.PutResource(ctx, r))

	got, err := store.GetResource(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, "bucket", got.Name)
	assert.Equal(t, resources.CopyResource, got.Cloning)
	require.NotNil(t, got.Handle)
	assert.Equal(t, "local-bucket-1", got.Handle.ID)
	assert.Equal(t, true, got.Attributes["versioning"])
	assert.Equal(t, r.Lineage, got.Lineage)

	byName, err := store.GetResourceByName(ctx, "ws-1", "bucket")
	require.NoError(t, err)
	assert.Equal(t, "res-1", byName.ID)

	dup := *r
	dup.ID = "res-2"
	err = store.PutResource(ctx, &dup)
	assert.True(t, engine.HasCode(err, engine.ErrCodeAlreadyExists))
	assert.True(t, engine.IsPermanent(err))

	r.Region = "us-east1"
	require.NoError(t, store.PutResource(ctx, r))
	got, err = store.GetResource(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, "us-east1", got.Region)

	list, err := store.ListResources(ctx, "ws-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.DeleteResource(ctx, "res-1"))
	require.NoError(t, store.DeleteResource(ctx, "res-1"))
	_, err = store.GetResource(ctx, "res-1")
	assert.True(t, engine.HasCode(err, engine.ErrCodeNotFound))
}

func TestListReferencesToHandle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createWorkspace(t, store, "ws-1")
	createWorkspace(t, store, "ws-2")

	handle := &resources.Handle{Platform: "local", Type: resources.TypeStorageContainer, ID: "h-1"}
	put := func(id, ws string, stewardship resources.Stewardship, cloning resources.CloningInstruction) {
		require.NoError(t, store.PutResource(ctx, &resources.Resource{
			ID: id, WorkspaceID: ws, Name: id, Type: resources.TypeStorageContainer,
			Stewardship: stewardship, Cloning: cloning, Handle: handle,
		}))
	}
	put("owner", "ws-1", resources.StewardshipControlled, resources.LinkReference)
	put("link", "ws-2", resources.StewardshipReferenced, resources.LinkReference)
	put("copy", "ws-2", resources.StewardshipReferenced, resources.CopyReference)

	refs, err := store.ListReferencesToHandle(ctx, "h-1", "owner")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "link", refs[0].ID)

	refs, err = store.ListReferencesToHandle(ctx, "", "owner")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestWorkspaces(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createWorkspace(t, store, "ws-1")

	err := store.CreateWorkspace(ctx, &resources.Workspace{ID: "ws-1", Platform: "aws"})
	assert.True(t, engine.HasCode(err, engine.ErrCodeAlreadyExists))

	ws, err := store.GetWorkspace(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "local", ws.Platform)
	assert.Equal(t, "genomics", ws.Properties["team"])

	_, err = store.GetWorkspace(ctx, "missing")
	assert.True(t, engine.HasCode(err, engine.ErrCodeNotFound))

	list, err := store.ListWorkspaces(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPolicies(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createWorkspace(t, store, "ws-1")
	createWorkspace(t, store, "ws-2")

	region := resources.PolicyInput{
		Namespace:  "terra",
		Name:       "region-constraint",
		Additional: []resources.PolicyPair{{Key: "region-name", Value: "US"}},
	}
	require.NoError(t, store.SetPolicies(ctx, "ws-1", []resources.PolicyAttachment{{PolicyInput: region}}))

	policies, err := store.ListPolicies(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, "ws-1", policies[0].WorkspaceID)
	assert.True(t, policies[0].PolicyInput.Equal(region))

	added, err := store.AddPolicy(ctx, resources.PolicyAttachment{
		WorkspaceID:       "ws-2",
		PolicyInput:       resources.PolicyInput{Namespace: "terra", Name: "region-constraint"},
		LinkedWorkspaceID: "ws-1",
		AddedByJob:        "job-9",
	})
	require.NoError(t, err)
	assert.True(t, added)
	added, err = store.AddPolicy(ctx, resources.PolicyAttachment{
		WorkspaceID: "ws-2",
		PolicyInput: resources.PolicyInput{Namespace: "terra", Name: "protected-data"},
	})
	require.NoError(t, err)
	assert.True(t, added)

	policies, err = store.ListPolicies(ctx, "ws-2")
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, "protected-data", policies[0].Name)
	assert.True(t, policies[1].IsLink())

	removed, err := store.DeletePoliciesAddedBy(ctx, "ws-2", "job-9")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	require.NoError(t, store.DeletePolicy(ctx, "ws-2", "terra", "protected-data"))
	policies, err = store.ListPolicies(ctx, "ws-2")
	require.NoError(t, err)
	assert.Empty(t, policies)

	require.NoError(t, store.SetPolicies(ctx, "ws-1", nil))
	policies, err = store.ListPolicies(ctx, "ws-1")
	require.NoError(t, err)
	assert.Empty(t, policies)
}

func TestPolicies_ConditionalWrites(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createWorkspace(t, store, "ws-1")

	us := resources.PolicyInput{
		Namespace:  "terra",
		Name:       "region-constraint",
		Additional: []resources.PolicyPair{{Key: "region-name", Value: "US"}},
	}
	europe := resources.PolicyInput{
		Namespace:  "terra",
		Name:       "region-constraint",
		Additional: []resources.PolicyPair{{Key: "region-name", Value: "europe"}},
	}
	plain := resources.PolicyAttachment{WorkspaceID: "ws-1", PolicyInput: us}
	require.NoError(t, store.SetPolicies(ctx, "ws-1", []resources.PolicyAttachment{plain}))

	t.Run("add keeps an existing attachment", func(t *testing.T) {
		added, err := store.AddPolicy(ctx, resources.PolicyAttachment{WorkspaceID: "ws-1", PolicyInput: europe, AddedByJob: "job-1"})
		require.NoError(t, err)
		assert.False(t, added)

		cur, err := store.GetPolicy(ctx, "ws-1", "terra", "region-constraint")
		require.NoError(t, err)
		assert.True(t, cur.PolicyInput.Equal(us))
		assert.Empty(t, cur.AddedByJob)
	})

	link := resources.PolicyAttachment{
		WorkspaceID:       "ws-1",
		PolicyInput:       us,
		LinkedWorkspaceID: "ws-0",
		AddedByJob:        "job-2",
	}

	t.Run("swap requires the expected row", func(t *testing.T) {
		stale := resources.PolicyAttachment{WorkspaceID: "ws-1", PolicyInput: europe}
		swapped, err := store.SwapPolicy(ctx, stale, link)
		require.NoError(t, err)
		assert.False(t, swapped)

		swapped, err = store.SwapPolicy(ctx, plain, link)
		require.NoError(t, err)
		assert.True(t, swapped)

		cur, err := store.GetPolicy(ctx, "ws-1", "terra", "region-constraint")
		require.NoError(t, err)
		assert.Equal(t, "ws-0", cur.LinkedWorkspaceID)
		assert.Equal(t, "job-2", cur.AddedByJob)

		swapped, err = store.SwapPolicy(ctx, plain, link)
		require.NoError(t, err)
		assert.False(t, swapped, "the row no longer matches the plain attachment")
	})

	t.Run("swap back restores the plain value", func(t *testing.T) {
		swapped, err := store.SwapPolicy(ctx, link, plain)
		require.NoError(t, err)
		assert.True(t, swapped)

		removed, err := store.DeletePoliciesAddedBy(ctx, "ws-1", "job-2")
		require.NoError(t, err)
		assert.Zero(t, removed)

		cur, err := store.GetPolicy(ctx, "ws-1", "terra", "region-constraint")
		require.NoError(t, err)
		assert.False(t, cur.IsLink())
		assert.True(t, cur.PolicyInput.Equal(us))
	})

	t.Run("swap across keys is rejected", func(t *testing.T) {
		other := plain
		other.Name = "protected-data"
		_, err := store.SwapPolicy(ctx, plain, other)
		assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
	})

	_, err := store.GetPolicy(ctx, "ws-1", "terra", "missing")
	assert.True(t, engine.HasCode(err, engine.ErrCodeNotFound))
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, typ := range []engine.EventType{engine.EventTypeWorkflowStarted, engine.EventTypeStepCompleted, engine.EventTypeWorkflowSucceeded} {
		require.NoError(t, store.Publish(ctx, &engine.Event{
			Type:       typ,
			Timestamp:  base.Add(time.Duration(i) * time.Millisecond),
			WorkflowID: "wf-1",
			JobID:      "job-1",
			Message:    string(typ),
			Data:       map[string]interface{}{"n": i},
		}))
	}
	require.NoError(t, store.AppendEvent(ctx, &engine.Event{Type: engine.EventTypeWorkflowStarted, JobID: "job-2", Message: "other"}))

	events, err := store.ListEvents(ctx, EventFilter{JobID: "job-1"})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, engine.EventTypeWorkflowStarted, events[0].Type)
	assert.Equal(t, engine.EventTypeWorkflowSucceeded, events[2].Type)
	assert.Equal(t, EventLevelInfo, events[0].Level)
	assert.NotEmpty(t, events[0].ID)
	assert.EqualValues(t, 1, events[1].Data["n"])

	limited, err := store.ListEvents(ctx, EventFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStorageErrorsAreTransient(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.Close())

	_, err := store.GetJob(context.Background(), "job-1")
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
	assert.True(t, engine.HasCode(err, engine.ErrCodeStorageUnavailable))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, storageError("op", ctx.Err()), context.Canceled)
}
