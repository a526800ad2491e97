// Package gatesdk is the HTTP client for the estimator's approval gate. Its
// method set mirrors approval.Gate so callers can switch between a local
// store and a remote service.
package gatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"launchbase/pkg/approval"
)

const DefaultTimeout = 10 * time.Second

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Bearer     string
	// TenantHeader and Tenant scope every call; empty Tenant sends nothing.
	TenantHeader string
	Tenant       string
}

func New(baseURL, bearer string) *Client {
	return &Client{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		HTTPClient:   &http.Client{Timeout: DefaultTimeout},
		Bearer:       bearer,
		TenantHeader: "X-Tenant-ID",
	}
}

// HTTPError carries the server's error envelope. Known codes unwrap to the
// approval sentinels so errors.Is behaves as it does against a local gate.
type HTTPError struct {
	Status  int
	Code    string
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *HTTPError) Unwrap() error {
	switch e.Code {
	case "NOT_FOUND":
		return approval.ErrNotFound
	case "CONFLICT":
		return approval.ErrConflict
	case "DUPLICATE_APPROVER":
		return approval.ErrDuplicateApprover
	case "SELF_APPROVAL":
		return approval.ErrSelfApproval
	case "EXPIRED":
		return approval.ErrExpired
	case "BAD_REQUEST":
		return approval.ErrInvalidRequest
	}
	return nil
}

type requestEnvelope struct {
	Policy    approval.Policy   `json:"policy"`
	Approvals []approval.Record `json:"approvals"`
}

type decisionEnvelope struct {
	Decision approval.Decision `json:"decision"`
}

type recordEnvelope struct {
	Approval approval.Record `json:"approval"`
}

func (c *Client) RequestApproval(ctx context.Context, in approval.Request) (approval.RequestResult, error) {
	req, err := c.newJSON(ctx, http.MethodPost, "/v1/approvals", in)
	if err != nil {
		return approval.RequestResult{}, err
	}
	out, err := doJSON[requestEnvelope](c, req)
	if err != nil {
		return approval.RequestResult{}, err
	}
	return approval.RequestResult{Policy: out.Policy, Records: out.Approvals}, nil
}

func (c *Client) CheckApprovalGate(ctx context.Context, res approval.Resource) (approval.Decision, error) {
	q := url.Values{}
	q.Set("operation", res.Operation)
	q.Set("resource_type", res.ResourceType)
	q.Set("resource_id", res.ResourceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/approvals/gate?"+q.Encode(), nil)
	if err != nil {
		return approval.Decision{}, err
	}
	out, err := doJSON[decisionEnvelope](c, req)
	if err != nil {
		return approval.Decision{}, err
	}
	return out.Decision, nil
}

func (c *Client) ResolveApproval(ctx context.Context, id, approver string, approve bool) (approval.Record, error) {
	decision := "deny"
	if approve {
		decision = "approve"
	}
	req, err := c.newJSON(ctx, http.MethodPost, "/v1/approvals/"+url.PathEscape(id)+":resolve", map[string]string{
		"approver": approver,
		"decision": decision,
	})
	if err != nil {
		return approval.Record{}, err
	}
	out, err := doJSON[recordEnvelope](c, req)
	if err != nil {
		return approval.Record{}, err
	}
	return out.Approval, nil
}

func (c *Client) GetApproval(ctx context.Context, id string) (approval.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/approvals/"+url.PathEscape(id), nil)
	if err != nil {
		return approval.Record{}, err
	}
	out, err := doJSON[recordEnvelope](c, req)
	if err != nil {
		return approval.Record{}, err
	}
	return out.Approval, nil
}

func (c *Client) newJSON(ctx context.Context, method, path string, v any) (*http.Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func doJSON[T any](c *Client, req *http.Request) (*T, error) {
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	if c.Tenant != "" && c.TenantHeader != "" {
		req.Header.Set(c.TenantHeader, c.Tenant)
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&env)
		return nil, &HTTPError{Status: resp.StatusCode, Code: env.Error.Code, Message: env.Error.Message}
	}
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
