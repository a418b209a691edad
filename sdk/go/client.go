package caseflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Caseflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Case struct {
	ID             string `json:"id"`
	Reference      string `json:"reference"`
	DisplayName    string `json:"display_name"`
	Stage          string `json:"stage"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
	StageChangedAt string `json:"stage_changed_at"`
}

type ComplianceItem struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	Key           string `json:"key"`
	Label         string `json:"label"`
	RequiredStage string `json:"required_stage"`
	IsRequired    bool   `json:"is_required"`
	Status        string `json:"status"`
	Notes         string `json:"notes,omitempty"`
	WaivedReason  string `json:"waived_reason,omitempty"`
}

type BlockingItem struct {
	ID            string `json:"id"`
	Key           string `json:"key"`
	Label         string `json:"label"`
	RequiredStage string `json:"required_stage"`
	Status        string `json:"status"`
}

// GateStatus tells whether a stage can be entered and what blocks it.
type GateStatus struct {
	Stage             string         `json:"stage"`
	Passed            bool           `json:"passed"`
	BlockingChecklist []BlockingItem `json:"blocking_checklist"`
	BlockingDocuments []BlockingItem `json:"blocking_documents"`
}

type Compliance struct {
	CaseID    string                `json:"case_id"`
	Stage     string                `json:"stage"`
	Checklist []ComplianceItem      `json:"checklist"`
	Documents []ComplianceItem      `json:"documents"`
	Gate      GateStatus            `json:"gate"`
	NextGates map[string]GateStatus `json:"next_gates"`
}

type Alert struct {
	ID                string  `json:"id"`
	CaseID            string  `json:"case_id"`
	Key               string  `json:"key"`
	Type              string  `json:"type"`
	Severity          string  `json:"severity"`
	Title             string  `json:"title"`
	Description       string  `json:"description"`
	RecommendedAction string  `json:"recommended_action,omitempty"`
	Status            string  `json:"status"`
	ResolvedBy        *string `json:"resolved_by,omitempty"`
	ResolvedAt        *string `json:"resolved_at,omitempty"`
	CreatedAt         string  `json:"created_at"`
}

// Event represents a timeline entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	CaseID     string         `json:"case_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type Transition struct {
	Case          Case       `json:"case"`
	FromStage     string     `json:"from_stage"`
	TimelineEvent Event      `json:"timeline_event"`
	GateStatus    GateStatus `json:"gate_status"`
	Regressed     bool       `json:"regressed"`
}

type AutomationRun struct {
	CaseID  string   `json:"case_id"`
	Created []Alert  `json:"created"`
	Skipped []string `json:"skipped"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// BlockedGate returns the gate status carried by a 412 response.
func BlockedGate(err error) (GateStatus, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusPreconditionFailed {
		return GateStatus{}, false
	}
	raw, ok := apiErr.Details["gate_status"]
	if !ok {
		return GateStatus{}, false
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return GateStatus{}, false
	}
	var g GateStatus
	if err := json.Unmarshal(b, &g); err != nil {
		return GateStatus{}, false
	}
	return g, true
}

// CreateCase opens a case in the initial stage.
func (c *Client) CreateCase(ctx context.Context, displayName string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, "cases", map[string]any{"display_name": displayName}, &resp)
	return resp, err
}

func (c *Client) GetCase(ctx context.Context, caseID string) (Case, error) {
	var resp struct {
		Case Case `json:"case"`
	}
	err := c.do(ctx, http.MethodGet, casePath(caseID, ""), nil, &resp)
	return resp.Case, err
}

// TransitionCase asks the server to move a case. A blocked gate comes back
// as an *APIError with status 412; see BlockedGate.
func (c *Client) TransitionCase(ctx context.Context, caseID, toStage, note string) (Transition, error) {
	body := map[string]any{"to_stage": toStage}
	if note != "" {
		body["note"] = note
	}
	var resp Transition
	err := c.do(ctx, http.MethodPost, casePath(caseID, "transition"), body, &resp)
	return resp, err
}

func (c *Client) Compliance(ctx context.Context, caseID string) (Compliance, error) {
	var resp Compliance
	err := c.do(ctx, http.MethodGet, casePath(caseID, "compliance"), nil, &resp)
	return resp, err
}

// UpdateComplianceItem sets the status of a checklist item ("checklist") or
// document ("documents"). itemID may be the item id or its key.
func (c *Client) UpdateComplianceItem(ctx context.Context, caseID, kind, itemID, status, waivedReason string) (ComplianceItem, error) {
	body := map[string]any{"status": status}
	if waivedReason != "" {
		body["waived_reason"] = waivedReason
	}
	var resp struct {
		Item ComplianceItem `json:"item"`
	}
	endpoint := casePath(caseID, fmt.Sprintf("compliance/%s/%s", url.PathEscape(kind), url.PathEscape(itemID)))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp.Item, err
}

func (c *Client) RunAutomation(ctx context.Context, caseID string) (AutomationRun, error) {
	var resp AutomationRun
	err := c.do(ctx, http.MethodPost, casePath(caseID, "automations/run"), nil, &resp)
	return resp, err
}

// CaseAlerts lists the alerts of a case; resolved ones only with includeHistory.
func (c *Client) CaseAlerts(ctx context.Context, caseID string, includeHistory bool) ([]Alert, error) {
	endpoint := casePath(caseID, "automations") + "?include_history=" + strconv.FormatBool(includeHistory)
	var resp []Alert
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) OpenAlerts(ctx context.Context) ([]Alert, error) {
	var resp []Alert
	err := c.do(ctx, http.MethodGet, "automations/alerts", nil, &resp)
	return resp, err
}

func (c *Client) ResolveAlert(ctx context.Context, caseID, alertID string) (Alert, error) {
	var resp Alert
	err := c.do(ctx, http.MethodPost, casePath(caseID, "automations/"+url.PathEscape(alertID)+"/resolve"), nil, &resp)
	return resp, err
}

// LogMessage records an inbound or outbound message on a case.
func (c *Client) LogMessage(ctx context.Context, caseID, direction, channel, body string) error {
	req := map[string]any{"direction": direction, "channel": channel, "body": body}
	return c.do(ctx, http.MethodPost, casePath(caseID, "messages"), req, nil)
}

// EventsPage returns a page of the case timeline, newest first.
func (c *Client) EventsPage(ctx context.Context, caseID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := casePath(caseID, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func casePath(caseID, p string) string {
	base := "cases/" + url.PathEscape(caseID)
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	root := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		return root + "/" + p
	}
	return root
}
