package server

import (
	"encoding/json"

	"buildline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type CreateWorkItemRequest struct {
	ParentID  string `json:"parent_id,omitempty"`
	Name      string `json:"name"`
	StartDate string `json:"start_date,omitempty" format:"date"`
	EndDate   string `json:"end_date,omitempty" format:"date"`
	Duration  int    `json:"duration,omitempty" minimum:"0"`
	Order     int    `json:"order,omitempty"`
}

// UpdateWorkItemRequest changes only the fields present. An empty parent_id moves the item to the root.
type UpdateWorkItemRequest struct {
	ParentID  *string `json:"parent_id,omitempty"`
	Name      *string `json:"name,omitempty"`
	StartDate *string `json:"start_date,omitempty"`
	EndDate   *string `json:"end_date,omitempty"`
	Duration  *int    `json:"duration,omitempty"`
	Order     *int    `json:"order,omitempty"`
}

type CreateLogRequest struct {
	LogDate    string  `json:"log_date,omitempty" format:"date"`
	Percentage float64 `json:"percentage" minimum:"0" maximum:"100"`
	Note       string  `json:"note,omitempty"`
}

type UpdateLogRequest struct {
	LogDate    *string  `json:"log_date,omitempty"`
	Percentage *float64 `json:"percentage,omitempty"`
	Note       *string  `json:"note,omitempty"`
}

type CreateStageRequest struct {
	WorkItemID string `json:"work_item_id"`
	Name       string `json:"name,omitempty"`
}

// TransitionRequest carries the optional reason of a rejection.
type TransitionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CreateItemRequest struct {
	Name       string `json:"name"`
	StartDate  string `json:"start_date,omitempty" format:"date"`
	EndDate    string `json:"end_date,omitempty" format:"date"`
	WorkItemID string `json:"work_item_id,omitempty"`
	TemplateID string `json:"template_id,omitempty"`
}

type ReportDefectRequest struct {
	StageID     string `json:"stage_id,omitempty"`
	ItemID      string `json:"item_id,omitempty"`
	WorkItemID  string `json:"work_item_id,omitempty"`
	Description string `json:"description"`
	Severity    string `json:"severity,omitempty" enum:"low,medium,high,critical"`
}

type DefectNoteRequest struct {
	Note string `json:"note,omitempty"`
}

// ManualProgressRequest sets the manual percentage. Omitting percentage clears it.
type ManualProgressRequest struct {
	Percentage *float64 `json:"percentage,omitempty"`
}

type SubcontractorRequest struct {
	Name       string  `json:"name"`
	Weight     float64 `json:"weight,omitempty" minimum:"0"`
	Percentage float64 `json:"percentage" minimum:"0" maximum:"100"`
}

// Response payloads

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at" format:"date-time"`
}

// TreeEntry is one row of the depth-first work item tree.
type TreeEntry struct {
	WorkItem domain.WorkItem `json:"work_item"`
	Depth    int             `json:"depth"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
