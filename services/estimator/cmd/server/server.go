package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"launchbase/pkg/approval"
	"launchbase/pkg/contracts"
	"launchbase/pkg/freeze"
	"launchbase/pkg/gaps"
	"launchbase/pkg/handshake"
	"launchbase/pkg/httpx"
	"launchbase/pkg/refdata"
	"launchbase/services/estimator/internal/idempotency"
	"launchbase/services/estimator/internal/pipeline"
	"launchbase/services/estimator/internal/store"
)

const (
	defaultTenant    = "default"
	opCreateEstimate = "POST /v1/estimates"
	opContractChange = "contract.change"
)

type estimateReader interface {
	GetEstimate(ctx context.Context, tenantID, estimateID string) (store.EstimateRecord, error)
}

type server struct {
	snap         *refdata.Snapshot
	pipeline     *pipeline.Pipeline
	gate         *approval.Gate
	idem         idempotency.Store
	estimates    estimateReader
	tenantHeader string
	logger       *zap.Logger
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httpx.AccessLog(s.logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/v1", func(api chi.Router) {
		api.Post("/handshake", s.handleHandshake)

		api.Get("/contracts", s.handleListContracts)
		api.Post("/contracts/{name}:validate", s.handleValidate)
		api.Get("/contracts/{name}/freeze", s.handleFreezeStatus)
		api.Post("/contracts/{name}/changes", s.handleContractChange)

		api.Post("/estimates", s.handleCreateEstimate)
		api.Get("/estimates/{estimate_id}", s.handleGetEstimate)
		api.Post("/gaps", s.handleGaps)

		api.Post("/approvals", s.handleRequestApproval)
		api.Get("/approvals/gate", s.handleCheckGate)
		api.Get("/approvals/{approval_id}", s.handleGetApproval)
		api.Post("/approvals/{approval_id}:resolve", s.handleResolveApproval)
	})
	return r
}

func (s *server) tenant(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get(s.tenantHeader)); t != "" {
		return t
	}
	return defaultTenant
}

func (s *server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var req handshake.Request
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	resp := handshake.Respond(req, s.snap, nowUTC())
	if !resp.OK {
		s.logger.Warn("handshake mismatch",
			zap.String("agent_id", req.AgentID),
			zap.String("agent_version", req.AgentVersion),
			zap.Int("mismatches", len(resp.Mismatches)))
	}
	httpx.WriteJSON(w, 200, resp)
}

func (s *server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	vertex, version := s.snap.VertexInfo()
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id":      httpx.NewRequestID(),
		"vertex":          vertex,
		"vertex_version":  version,
		"registry_status": s.snap.Freeze.Status,
		"contracts":       s.snap.ExpectedContracts(),
	})
}

func (s *server) handleValidate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := contracts.SpecFor(name); !ok {
		httpx.WriteError(w, 404, "UNKNOWN_CONTRACT", "no validator for contract "+name, nil)
		return
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(http.MaxBytesReader(w, r.Body, httpx.MaxBodyBytes)); err != nil {
		httpx.WriteError(w, 400, "BAD_BODY", err.Error(), nil)
		return
	}
	res := s.snap.Validator().ValidateJSON(name, buf.Bytes())
	status := 200
	if !res.Valid {
		status = 422
	}
	httpx.WriteJSON(w, status, map[string]any{"request_id": httpx.NewRequestID(), "result": res})
}

func (s *server) handleFreezeStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	entry, ok := s.snap.Freeze.Contract(name)
	if !ok {
		httpx.WriteError(w, 404, "UNKNOWN_CONTRACT", "contract "+name+" is not in the freeze registry", nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id":      httpx.NewRequestID(),
		"contract":        entry,
		"registry_status": s.snap.Freeze.Status,
		"frozen":          s.snap.Freeze.IsContractFrozen(name),
		"change_routes":   s.snap.Freeze.ChangeRoutes(),
	})
}

type changeRequest struct {
	Kind        string `json:"kind"`
	RequestedBy string `json:"requested_by"`
	freeze.Bypass
}

// handleContractChange gates a proposed change to a contract. An approved
// proposal id must name an approved contract.change record for the contract.
func (s *server) handleContractChange(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req changeRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	if _, ok := s.snap.Freeze.Contract(name); !ok {
		httpx.WriteError(w, 404, "UNKNOWN_CONTRACT", "contract "+name+" is not in the freeze registry", nil)
		return
	}
	verdict := s.snap.Freeze.ClassifyChange(req.Kind)
	if verdict == freeze.ChangeBlockedForV2 && !req.IsNewContractVersion {
		httpx.WriteError(w, 423, "CHANGE_BLOCKED_UNTIL_V2", "change kind "+req.Kind+" requires a new contract version", map[string]any{
			"change_routes": s.snap.Freeze.ChangeRoutes(),
		})
		return
	}
	if verdict != freeze.ChangeAllowed {
		if err := s.snap.Freeze.EnforceFreezeGate(name, req.Bypass); err != nil {
			var fv *freeze.FreezeViolation
			if errors.As(err, &fv) {
				s.logger.Warn("freeze gate blocked change", zap.String("contract", name), zap.String("kind", req.Kind), zap.String("requested_by", req.RequestedBy))
				httpx.WriteError(w, 423, "CONTRACT_FROZEN", fv.Error(), map[string]any{
					"contract_name": fv.ContractName,
					"change_routes": fv.ChangeRoutes,
				})
				return
			}
			httpx.WriteError(w, 500, "INTERNAL", err.Error(), nil)
			return
		}
		if id := strings.TrimSpace(req.ApprovedProposalID); id != "" && !req.IsNewContractVersion {
			if status, code, msg := s.verifyProposal(r.Context(), name, id); status != 0 {
				httpx.WriteError(w, status, code, msg, nil)
				return
			}
		}
	}
	s.logger.Info("contract change accepted", zap.String("contract", name), zap.String("kind", req.Kind), zap.String("verdict", string(verdict)))
	httpx.WriteJSON(w, 202, map[string]any{
		"request_id": httpx.NewRequestID(),
		"accepted":   true,
		"contract":   name,
		"kind":       req.Kind,
		"verdict":    verdict,
	})
}

func (s *server) verifyProposal(ctx context.Context, contractName, id string) (int, string, string) {
	rec, err := s.gate.Store.GetApproval(ctx, id)
	if errors.Is(err, approval.ErrNotFound) {
		return 403, "APPROVAL_REQUIRED", "approved_proposal_id " + id + " does not exist"
	}
	if err != nil {
		return 500, "DB_ERROR", err.Error()
	}
	if rec.Operation != opContractChange || rec.ResourceID != contractName {
		return 403, "APPROVAL_REQUIRED", "approval " + id + " does not cover changes to " + contractName
	}
	d, err := s.gate.CheckApprovalGate(ctx, approval.Resource{Operation: rec.Operation, ResourceType: rec.ResourceType, ResourceID: rec.ResourceID})
	if err != nil {
		return 500, "DB_ERROR", err.Error()
	}
	if !d.Allowed {
		return 403, "APPROVAL_REQUIRED", "change proposal is not approved: " + d.Reason
	}
	return 0, "", ""
}

func (s *server) handleCreateEstimate(w http.ResponseWriter, r *http.Request) {
	scope := idempotency.Scope{
		TenantID:       s.tenant(r),
		Operation:      opCreateEstimate,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}
	claim, err := idempotency.Begin(r.Context(), s.idem, scope, time.Now())
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	switch {
	case claim.Replay:
		w.Header().Set("content-type", "application/json")
		w.Header().Set("Idempotent-Replay", "true")
		w.WriteHeader(claim.Status)
		_, _ = w.Write(claim.Body)
		return
	case claim.InProgress:
		w.Header().Set("Retry-After", "1")
		httpx.WriteError(w, 409, "IN_PROGRESS", "a request with this Idempotency-Key is still running", nil)
		return
	}
	saved := false
	if claim.Claimed {
		defer func() {
			if saved {
				return
			}
			// Failed attempts are not cached; free the key for a retry.
			if err := idempotency.Release(context.WithoutCancel(r.Context()), s.idem, scope); err != nil {
				s.logger.Warn("idempotency release failed", zap.Error(err))
			}
		}()
	}

	var req pipeline.Request
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	res, err := s.pipeline.Run(r.Context(), scope.TenantID, req)
	if err != nil {
		var ce *pipeline.ContractError
		switch {
		case errors.As(err, &ce):
			httpx.WriteError(w, 422, "CONTRACT_INVALID", ce.Error(), map[string]any{"stage": ce.Stage, "errors": ce.Result.Errors})
		case errors.Is(err, pipeline.ErrInvalidRequest):
			httpx.WriteError(w, 400, "INVALID_REQUEST", err.Error(), nil)
		default:
			httpx.WriteError(w, 500, "INTERNAL", err.Error(), nil)
		}
		return
	}

	resp := map[string]any{
		"request_id":  httpx.NewRequestID(),
		"estimate_id": res.EstimateID,
		"schema_hash": res.SchemaHash,
		"persisted":   res.Persisted,
		"estimate":    res.Estimate,
	}
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(resp)
	if err := idempotency.Save(context.WithoutCancel(r.Context()), s.idem, scope, 201, bytes.TrimSpace(buf.Bytes())); err != nil {
		s.logger.Warn("idempotency save failed", zap.Error(err))
	} else {
		saved = true
	}
	httpx.WriteJSON(w, 201, resp)
}

func (s *server) handleGetEstimate(w http.ResponseWriter, r *http.Request) {
	if s.estimates == nil {
		httpx.WriteError(w, 501, "NOT_AVAILABLE", "estimate persistence is not configured", nil)
		return
	}
	rec, err := s.estimates.GetEstimate(r.Context(), s.tenant(r), chi.URLParam(r, "estimate_id"))
	if errors.Is(err, store.ErrNotFound) {
		httpx.WriteError(w, 404, "NOT_FOUND", "estimate not found", nil)
		return
	}
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"record":     rec,
		"estimate":   json.RawMessage(rec.Body),
	})
}

func (s *server) handleGaps(w http.ResponseWriter, r *http.Request) {
	var in gaps.Input
	if err := httpx.ReadJSON(r, &in); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"gap_flags":  s.pipeline.Analyze(in),
	})
}

func (s *server) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	var req approval.Request
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	res, err := s.gate.RequestApproval(r.Context(), req)
	if err != nil {
		writeApprovalError(w, err)
		return
	}
	status := 200
	if len(res.Records) > 0 {
		status = 201
	}
	httpx.WriteJSON(w, status, map[string]any{
		"request_id": httpx.NewRequestID(),
		"policy":     res.Policy,
		"approvals":  res.Records,
	})
}

func (s *server) handleCheckGate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res := approval.Resource{
		Operation:    q.Get("operation"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
	}
	if res.Operation == "" || res.ResourceID == "" {
		httpx.WriteError(w, 400, "BAD_REQUEST", "operation and resource_id are required", nil)
		return
	}
	d, err := s.gate.CheckApprovalGate(r.Context(), res)
	if err != nil {
		writeApprovalError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "decision": d})
}

func (s *server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	rec, err := s.gate.Store.GetApproval(r.Context(), chi.URLParam(r, "approval_id"))
	if err != nil {
		writeApprovalError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "approval": rec})
}

func (s *server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "approval_id")
	var req struct {
		Approver string `json:"approver"`
		Decision string `json:"decision"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	var approve bool
	switch strings.ToLower(req.Decision) {
	case "approve":
		approve = true
	case "deny":
	default:
		httpx.WriteError(w, 400, "BAD_REQUEST", "decision must be approve or deny", nil)
		return
	}
	rec, err := s.gate.ResolveApproval(r.Context(), id, req.Approver, approve)
	if err != nil {
		writeApprovalError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "approval": rec})
}

func writeApprovalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		httpx.WriteError(w, 404, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, approval.ErrConflict):
		httpx.WriteError(w, 409, "CONFLICT", err.Error(), nil)
	case errors.Is(err, approval.ErrDuplicateApprover):
		httpx.WriteError(w, 409, "DUPLICATE_APPROVER", err.Error(), nil)
	case errors.Is(err, approval.ErrSelfApproval):
		httpx.WriteError(w, 403, "SELF_APPROVAL", err.Error(), nil)
	case errors.Is(err, approval.ErrExpired):
		httpx.WriteError(w, 410, "EXPIRED", err.Error(), nil)
	case errors.Is(err, approval.ErrInvalidRequest):
		httpx.WriteError(w, 400, "BAD_REQUEST", err.Error(), nil)
	default:
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
	}
}
