package buildlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Buildline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// WorkItem represents the API work item model (partial).
type WorkItem struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	ParentID   *string `json:"parent_id,omitempty"`
	Name       string  `json:"name"`
	StartDate  string  `json:"start_date,omitempty"`
	EndDate    string  `json:"end_date,omitempty"`
	Percentage float64 `json:"percentage"`
	Status     string  `json:"status"`
}

type ProgressLog struct {
	ID         string  `json:"id"`
	WorkItemID string  `json:"work_item_id"`
	LogDate    string  `json:"log_date"`
	Percentage float64 `json:"percentage"`
	AuthorID   string  `json:"author_id"`
	Note       string  `json:"note,omitempty"`
}

// Stage represents an acceptance stage with its derived defect state.
type Stage struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	WorkItemID     string `json:"work_item_id"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	FullyApproved  bool   `json:"is_fully_approved"`
	HasOpenDefects bool   `json:"has_open_defects"`
	Acceptability  string `json:"acceptability_status"`
}

type Item struct {
	ID               string `json:"id"`
	StageID          string `json:"stage_id"`
	Name             string `json:"name"`
	EndDate          string `json:"end_date,omitempty"`
	AcceptanceStatus string `json:"acceptance_status"`
	WorkflowStatus   string `json:"workflow_status"`
}

type Defect struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	StageID     *string `json:"stage_id,omitempty"`
	ItemID      *string `json:"item_id,omitempty"`
	Description string  `json:"description"`
	Severity    string  `json:"severity"`
	Status      string  `json:"status"`
}

type ProjectProgress struct {
	ProjectID         string   `json:"project_id"`
	OverallPercentage float64  `json:"overall_percentage"`
	CalculatedFrom    string   `json:"calculated_from"`
	ManualPercentage  *float64 `json:"manual_percentage,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code carries the error code of the envelope, for
// refused transitions the refusal reason.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateWorkItem creates a work item. An empty parentID creates a phase.
func (c *Client) CreateWorkItem(ctx context.Context, parentID, name, startDate, endDate string) (WorkItem, error) {
	body := map[string]any{"name": name}
	if parentID != "" {
		body["parent_id"] = parentID
	}
	if startDate != "" {
		body["start_date"] = startDate
	}
	if endDate != "" {
		body["end_date"] = endDate
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, c.projectPath("work-items"), body, &resp)
	return resp, err
}

func (c *Client) GetWorkItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, "v0/work-items/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// AddLog records progress on a leaf work item. An empty logDate means today.
func (c *Client) AddLog(ctx context.Context, workItemID, logDate string, percentage float64, note string) (ProgressLog, error) {
	body := map[string]any{"percentage": percentage}
	if logDate != "" {
		body["log_date"] = logDate
	}
	if note != "" {
		body["note"] = note
	}
	var resp ProgressLog
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/work-items/%s/logs", url.PathEscape(workItemID)), body, &resp)
	return resp, err
}

func (c *Client) CreateStage(ctx context.Context, workItemID, name string) (Stage, error) {
	body := map[string]any{"work_item_id": workItemID}
	if name != "" {
		body["name"] = name
	}
	var resp Stage
	err := c.do(ctx, http.MethodPost, c.projectPath("stages"), body, &resp)
	return resp, err
}

// StageTransition applies approve-supervisor, approve-pm, approve-customer, approve-design,
// approve-owner, reject or resubmit.
func (c *Client) StageTransition(ctx context.Context, stageID, transition, reason string) (Stage, error) {
	var resp Stage
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/stages/%s/%s", url.PathEscape(stageID), transition), reasonBody("reason", reason), &resp)
	return resp, err
}

func (c *Client) CreateItem(ctx context.Context, stageID, name, startDate, endDate string) (Item, error) {
	body := map[string]any{"name": name}
	if startDate != "" {
		body["start_date"] = startDate
	}
	if endDate != "" {
		body["end_date"] = endDate
	}
	var resp Item
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/stages/%s/items", url.PathEscape(stageID)), body, &resp)
	return resp, err
}

// ItemTransition applies submit, approve-supervisor, approve-pm, approve-customer,
// reject-workflow, approve, reject or reset.
func (c *Client) ItemTransition(ctx context.Context, itemID, transition, reason string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/items/%s/%s", url.PathEscape(itemID), transition), reasonBody("reason", reason), &resp)
	return resp, err
}

func (c *Client) ReportDefect(ctx context.Context, stageID, description, severity string) (Defect, error) {
	body := map[string]any{"description": description}
	if stageID != "" {
		body["stage_id"] = stageID
	}
	if severity != "" {
		body["severity"] = severity
	}
	var resp Defect
	err := c.do(ctx, http.MethodPost, c.projectPath("defects"), body, &resp)
	return resp, err
}

// Defects lists project defects, optionally filtered by status.
func (c *Client) Defects(ctx context.Context, status string) ([]Defect, error) {
	endpoint := c.projectPath("defects")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Defect
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DefectTransition applies start, fix, verify or reopen.
func (c *Client) DefectTransition(ctx context.Context, defectID, transition, note string) (Defect, error) {
	var resp Defect
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/defects/%s/%s", url.PathEscape(defectID), transition), reasonBody("note", note), &resp)
	return resp, err
}

func (c *Client) Progress(ctx context.Context) (ProjectProgress, error) {
	var resp ProjectProgress
	err := c.do(ctx, http.MethodGet, c.projectPath("progress"), nil, &resp)
	return resp, err
}

// SetManualProgress sets the manual percentage; nil clears it.
func (c *Client) SetManualProgress(ctx context.Context, percentage *float64) (ProjectProgress, error) {
	body := map[string]any{}
	if percentage != nil {
		body["percentage"] = *percentage
	}
	var resp ProjectProgress
	err := c.do(ctx, http.MethodPut, c.projectPath("progress/manual"), body, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// EventsAfter returns events after the cursor, oldest first. Pass "0" to start from the beginning.
func (c *Client) EventsAfter(ctx context.Context, cursor string, limit int) (PaginatedEvents, error) {
	if cursor == "" {
		cursor = "0"
	}
	endpoint := fmt.Sprintf("%s?after=%s", c.projectPath("events"), url.QueryEscape(cursor))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func reasonBody(key, value string) any {
	if value == "" {
		return nil
	}
	return map[string]any{key: value}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
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
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
