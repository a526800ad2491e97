package gatesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"launchbase/pkg/approval"
)

func TestClientRequestCheckResolve(t *testing.T) {
	var sawTenant, sawAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawTenant = r.Header.Get("X-Tenant-ID")
		sawAuth = r.Header.Get("Authorization")
		w.Header().Set("content-type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/approvals":
			var in approval.Request
			_ = json.NewDecoder(r.Body).Decode(&in)
			w.WriteHeader(201)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"request_id": "req_1",
				"policy":     map[string]any{"tier": 2, "requires_approval": true},
				"approvals":  []map[string]any{{"id": "apr_1", "operation": in.Operation, "resource_id": in.ResourceID, "status": "pending"}},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/approvals/gate":
			if r.URL.Query().Get("resource_id") != "est_1" {
				http.Error(w, "bad query", 400)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"decision": map[string]any{"allowed": false, "required_approvers": 1, "reason": "approval required"},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/approvals/apr_1:resolve":
			var in map[string]string
			_ = json.NewDecoder(r.Body).Decode(&in)
			if in["decision"] != "approve" {
				http.Error(w, "bad decision", 400)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"approval": map[string]any{"id": "apr_1", "status": "approved", "approved_by": in["approver"]},
			})
		default:
			w.WriteHeader(404)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": "NOT_FOUND", "message": "approval not found"}})
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	c.Tenant = "ten_1"
	ctx := context.Background()
	res := approval.Resource{Operation: "estimate.dispatch", ResourceType: "estimate", ResourceID: "est_1"}

	opened, err := c.RequestApproval(ctx, approval.Request{Resource: res, RequestedBy: "alice"})
	if err != nil {
		t.Fatalf("RequestApproval() error: %v", err)
	}
	if len(opened.Records) != 1 || opened.Records[0].ID != "apr_1" || opened.Policy.Tier != approval.Tier2Single {
		t.Fatalf("RequestApproval() = %+v", opened)
	}
	if sawTenant != "ten_1" || sawAuth != "Bearer tok" {
		t.Fatalf("headers tenant=%q auth=%q", sawTenant, sawAuth)
	}

	d, err := c.CheckApprovalGate(ctx, res)
	if err != nil {
		t.Fatalf("CheckApprovalGate() error: %v", err)
	}
	if d.Allowed || d.Required != 1 {
		t.Fatalf("CheckApprovalGate() = %+v", d)
	}

	rec, err := c.ResolveApproval(ctx, "apr_1", "bob", true)
	if err != nil {
		t.Fatalf("ResolveApproval() error: %v", err)
	}
	if rec.Status != approval.StatusApproved || rec.ApprovedBy != "bob" {
		t.Fatalf("ResolveApproval() = %+v", rec)
	}

	_, err = c.GetApproval(ctx, "apr_missing")
	if !errors.Is(err, approval.ErrNotFound) {
		t.Fatalf("GetApproval() error = %v, want ErrNotFound", err)
	}
	var he *HTTPError
	if !errors.As(err, &he) || he.Status != 404 {
		t.Fatalf("expected *HTTPError 404, got %v", err)
	}
}

func TestHTTPErrorUnwrap(t *testing.T) {
	cases := map[string]error{
		"CONFLICT":           approval.ErrConflict,
		"SELF_APPROVAL":      approval.ErrSelfApproval,
		"EXPIRED":            approval.ErrExpired,
		"DUPLICATE_APPROVER": approval.ErrDuplicateApprover,
	}
	for code, want := range cases {
		if err := error(&HTTPError{Status: 409, Code: code}); !errors.Is(err, want) {
			t.Fatalf("%s should unwrap to %v", code, want)
		}
	}
	if errors.Unwrap(&HTTPError{Code: "INTERNAL"}) != nil {
		t.Fatalf("unknown codes must not unwrap")
	}
}
