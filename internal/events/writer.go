package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"buildline/internal/db"
)

// Event types consumed downstream (cost/financial module, webhooks).
const (
	ProjectInit         = "project.init"
	WorkItemCreated     = "work_item.created"
	WorkItemUpdated     = "work_item.updated"
	WorkItemDeleted     = "work_item.deleted"
	LogRecorded         = "progress_log.recorded"
	LogDeleted          = "progress_log.deleted"
	StageCreated        = "stage.created"
	StageApproved       = "stage.approved"
	StageRejected       = "stage.rejected"
	StageResubmitted    = "stage.resubmitted"
	StageItemsCompleted = "stage.items_completed"
	ItemCreated         = "item.created"
	ItemApproved        = "item.approved"
	ItemRejected        = "item.rejected"
	ItemWorkflow        = "item.workflow"
	DefectCreated       = "defect.created"
	DefectTransition    = "defect.transition"
	ItemReset           = "item.reset"
	ProgressManualSet   = "progress.manual_set"
	SubcontractorSet    = "progress.subcontractor_set"
)

type Writer struct {
	Driver string
	Now    func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, db.Rebind(w.Driver, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`),
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
