package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/resources"
	"github.com/stratum-cloud/stratum/pkg/stores"
	"github.com/stratum-cloud/stratum/pkg/workflows"
)

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return engine.NewValidationError("invalid JSON body", err)
}

// handleCreateResource handles POST /api/v1/workspaces/{ws}/resources.
func (s *Server) handleCreateResource(w http.ResponseWriter, r *http.Request) {
	var req CreateResourceRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	jobID := jobIDOrNew(req.JobControl)

	s.submit(w, r, req.JobControl, engine.Submission{
		JobID:      jobID,
		Type:       engine.WorkflowTypeCreate,
		ResourceID: workflows.ResourceIDFor(jobID),
	}, workflows.CreateInput{
		WorkspaceID: chi.URLParam(r, "ws"),
		Name:        req.Name,
		Type:        req.Type,
		Stewardship: req.Stewardship,
		Cloning:     req.Cloning,
		Location:    req.Location,
		Attributes:  req.Attributes,
		Handle:      req.Handle,
	})
}

// handleCloneResource handles POST /api/v1/workspaces/{ws}/resources/{id}/clone.
func (s *Server) handleCloneResource(w http.ResponseWriter, r *http.Request) {
	var req CloneResourceRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	// A retry of a known job is answered from the ledger even when the
	// source has been deleted since.
	if !s.knownJob(r, req.JobControl) {
		if _, err := s.workspaceResource(r); err != nil {
			s.writeError(w, err)
			return
		}
	}
	dest := req.DestinationWorkspaceID
	if dest == "" {
		dest = chi.URLParam(r, "ws")
	}
	jobID := jobIDOrNew(req.JobControl)

	s.submit(w, r, req.JobControl, engine.Submission{
		JobID:      jobID,
		Type:       engine.WorkflowTypeClone,
		ResourceID: workflows.ResourceIDFor(jobID),
	}, workflows.CloneInput{
		SourceResourceID:       chi.URLParam(r, "id"),
		DestinationWorkspaceID: dest,
		Name:                   req.Name,
		Instruction:            req.Cloning,
		Location:               req.Location,
	})
}

// handleDeleteResource handles POST /api/v1/workspaces/{ws}/resources/{id}/delete.
// A resource that is already gone still yields a job, which succeeds.
func (s *Server) handleDeleteResource(w http.ResponseWriter, r *http.Request) {
	var req DeleteResourceRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	s.submit(w, r, req.JobControl, engine.Submission{
		JobID:      jobIDOrNew(req.JobControl),
		Type:       engine.WorkflowTypeDelete,
		ResourceID: chi.URLParam(r, "id"),
	}, workflows.DeleteInput{WorkspaceID: chi.URLParam(r, "ws")})
}

func (s *Server) knownJob(r *http.Request, ctl JobControl) bool {
	if ctl.JobID == "" {
		return false
	}
	_, err := s.deps.Ledger.Get(r.Context(), ctl.JobID)
	return err == nil
}

func jobIDOrNew(ctl JobControl) string {
	if ctl.JobID != "" {
		return ctl.JobID
	}
	return uuid.New().String()
}

// submit starts a lifecycle job. With ?wait=true it blocks until the job is
// terminal or the wait timeout passes, whichever comes first.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, ctl JobControl, sub engine.Submission, inputs interface{}) {
	if err := resources.ValidateStruct(ctl); err != nil {
		s.writeError(w, engine.NewValidationError(fmt.Sprintf("invalid job control: %v", err), err))
		return
	}
	raw, err := json.Marshal(inputs)
	if err != nil {
		s.writeError(w, engine.NewValidationError("invalid request", err))
		return
	}
	sub.Inputs = raw
	sub.NotificationTarget = ctl.NotificationTarget

	res, err := s.deps.Executor.Submit(r.Context(), sub)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ack := SubmitResponse{
		JobID:      res.Job.ID,
		ResourceID: res.Job.ResourceID,
		Status:     res.Job.Status,
		Duplicate:  res.Disposition == engine.SubmitDuplicate,
	}

	if r.URL.Query().Get("wait") != "true" {
		status := http.StatusAccepted
		if ack.Duplicate {
			status = http.StatusOK
		}
		respondJSON(w, status, ack)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.WaitTimeout)
	defer cancel()
	job, err := s.deps.Executor.Await(ctx, sub.JobID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || (ctx.Err() != nil && r.Context().Err() == nil) {
			respondJSON(w, http.StatusAccepted, ack)
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeFinal(w, job)
}

// writeFinal answers a synchronous request with the job's final payload.
func (s *Server) writeFinal(w http.ResponseWriter, job *engine.Job) {
	if job.Status == engine.JobStatusFailed {
		jerr := job.Error
		if jerr == nil {
			jerr = &engine.JobError{Class: engine.ErrorClassPermanent, Message: "job failed"}
		}
		respondJSON(w, statusForCode(jerr.Class, jerr.Code), errorResponse(jerr))
		return
	}

	payload := job.Result
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if job.Type == engine.WorkflowTypeClone {
		var res workflows.CloneResult
		if err := json.Unmarshal(job.Result, &res); err == nil && res.Resource != nil {
			respondJSON(w, http.StatusOK, res.Resource)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// workspaceResource loads the {id} resource and checks it lives in {ws}.
func (s *Server) workspaceResource(r *http.Request) (*resources.Resource, error) {
	ws, id := chi.URLParam(r, "ws"), chi.URLParam(r, "id")
	res, err := s.deps.Store.GetResource(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if res.WorkspaceID != ws {
		return nil, engine.NewNotFoundError(fmt.Sprintf("resource %s not found in workspace %s", id, ws))
	}
	return res, nil
}

// handleGetResource handles GET /api/v1/workspaces/{ws}/resources/{id}.
func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	res, err := s.workspaceResource(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleListResources handles GET /api/v1/workspaces/{ws}/resources.
func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "ws")
	if _, err := s.deps.Store.GetWorkspace(r.Context(), ws); err != nil {
		s.writeError(w, err)
		return
	}
	list, err := s.deps.Store.ListResources(r.Context(), ws)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []*resources.Resource{}
	}
	respondJSON(w, http.StatusOK, list)
}

// handleCreateWorkspace handles POST /api/v1/workspaces.
func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkspaceRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	ws := &resources.Workspace{
		ID:              req.ID,
		Platform:        req.Platform,
		DefaultLocation: req.DefaultLocation,
		Properties:      req.Properties,
	}
	if err := resources.ValidateStruct(ws); err != nil {
		s.writeError(w, engine.NewValidationError(fmt.Sprintf("invalid workspace: %v", err), err))
		return
	}
	if s.deps.Regions != nil {
		if _, err := s.deps.Regions.Root(ws.Platform); err != nil {
			s.writeError(w, engine.NewValidationError(fmt.Sprintf("unknown platform %q", ws.Platform), err))
			return
		}
		if ws.DefaultLocation != "" {
			loc, err := s.deps.Regions.Find(ws.Platform, ws.DefaultLocation)
			if err != nil {
				s.writeError(w, engine.NewValidationError(fmt.Sprintf("unknown default location %q", ws.DefaultLocation), err))
				return
			}
			ws.DefaultLocation = loc.Name
		}
	}

	if err := s.deps.Store.CreateWorkspace(r.Context(), ws); err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, ws)
}

// handleGetWorkspace handles GET /api/v1/workspaces/{ws}.
func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.deps.Store.GetWorkspace(r.Context(), chi.URLParam(r, "ws"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ws)
}

// handleListWorkspaces handles GET /api/v1/workspaces.
func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Store.ListWorkspaces(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []*resources.Workspace{}
	}
	respondJSON(w, http.StatusOK, list)
}

// handleGetPolicies handles GET /api/v1/workspaces/{ws}/policies.
func (s *Server) handleGetPolicies(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "ws")
	if _, err := s.deps.Store.GetWorkspace(r.Context(), ws); err != nil {
		s.writeError(w, err)
		return
	}
	s.writePolicies(w, r, ws)
}

func (s *Server) writePolicies(w http.ResponseWriter, r *http.Request, ws string) {
	attachments, err := s.deps.Store.ListPolicies(r.Context(), ws)
	if err != nil {
		s.writeError(w, err)
		return
	}
	effective, err := s.deps.Policies.EffectivePolicies(r.Context(), ws)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if attachments == nil {
		attachments = []resources.PolicyAttachment{}
	}
	if effective == nil {
		effective = []resources.PolicyInput{}
	}
	respondJSON(w, http.StatusOK, PoliciesResponse{WorkspaceID: ws, Attachments: attachments, Effective: effective})
}

// handleSetPolicies handles PUT /api/v1/workspaces/{ws}/policies. The body
// replaces every attachment on the workspace.
func (s *Server) handleSetPolicies(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "ws")
	var req []PolicyAttachmentRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.deps.Store.GetWorkspace(r.Context(), ws); err != nil {
		s.writeError(w, err)
		return
	}

	attachments := make([]resources.PolicyAttachment, 0, len(req))
	seen := make(map[string]bool, len(req))
	for _, p := range req {
		if err := resources.ValidateStruct(p.PolicyInput); err != nil {
			s.writeError(w, engine.NewValidationError(fmt.Sprintf("invalid policy: %v", err), err))
			return
		}
		if seen[p.Key()] {
			s.writeError(w, engine.NewValidationError(fmt.Sprintf("policy %s listed twice", p.Key()), nil))
			return
		}
		seen[p.Key()] = true

		if p.LinkedWorkspaceID != "" {
			if p.LinkedWorkspaceID == ws {
				s.writeError(w, engine.NewValidationError(fmt.Sprintf("policy %s cannot link to its own workspace", p.Key()), nil))
				return
			}
			if _, err := s.deps.Store.GetWorkspace(r.Context(), p.LinkedWorkspaceID); err != nil {
				s.writeError(w, err)
				return
			}
		}
		attachments = append(attachments, resources.PolicyAttachment{
			WorkspaceID:       ws,
			PolicyInput:       p.PolicyInput,
			LinkedWorkspaceID: p.LinkedWorkspaceID,
		})
	}

	if err := s.deps.Store.SetPolicies(r.Context(), ws, attachments); err != nil {
		s.writeError(w, err)
		return
	}
	s.writePolicies(w, r, ws)
}

// handleGetJob handles GET /api/v1/jobs/{id}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// handleGetJobResult handles GET /api/v1/jobs/{id}/result. A running job
// answers 202 with its current state.
func (s *Server) handleGetJobResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := s.deps.Ledger.Result(r.Context(), id)
	if engine.HasCode(err, engine.ErrCodeNotReady) {
		job, gerr := s.deps.Ledger.Get(r.Context(), id)
		if gerr != nil {
			s.writeError(w, gerr)
			return
		}
		respondJSON(w, http.StatusAccepted, job)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result)
}

// handleCancelJob handles POST /api/v1/jobs/{id}/cancel.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Executor.Cancel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	job, err := s.deps.Ledger.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}

// handleListJobs handles GET /api/v1/jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, engine.NewValidationError(fmt.Sprintf("invalid limit %q", v), err))
			return
		}
		limit = n
	}
	jobs, err := s.deps.Store.ListJobs(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*engine.Job{}
	}
	respondJSON(w, http.StatusOK, jobs)
}

// handleGetJobEvents handles GET /api/v1/jobs/{id}/events.
func (s *Server) handleGetJobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Ledger.Get(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	events, err := s.deps.Store.ListEvents(r.Context(), stores.EventFilter{JobID: id})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []*engine.Event{}
	}
	respondJSON(w, http.StatusOK, events)
}

// handleGetRegion handles GET /api/v1/regions/{platform}. ?location selects
// a node, ?match lists nodes by path pattern, and neither returns the root.
func (s *Server) handleGetRegion(w http.ResponseWriter, r *http.Request) {
	if s.deps.Regions == nil {
		s.writeMessage(w, http.StatusNotFound, "no location tree configured")
		return
	}
	platform := chi.URLParam(r, "platform")
	q := r.URL.Query()

	if pattern := q.Get("match"); pattern != "" {
		locs, err := s.deps.Regions.Match(platform, pattern)
		if err != nil {
			s.writeError(w, err)
			return
		}
		out := make([]LocationResponse, 0, len(locs))
		for _, l := range locs {
			lr := NewLocationResponse(l)
			lr.Locations = nil
			out = append(out, lr)
		}
		respondJSON(w, http.StatusOK, out)
		return
	}

	loc, err := s.deps.Regions.Root(platform)
	if name := q.Get("location"); name != "" && err == nil {
		loc, err = s.deps.Regions.Find(platform, name)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, NewLocationResponse(loc))
}
