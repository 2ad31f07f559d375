package domain

// Work item statuses. Only the progress aggregator writes them.
const (
	WorkItemNotStarted = "not_started"
	WorkItemInProgress = "in_progress"
	WorkItemDelayed    = "delayed"
	WorkItemCompleted  = "completed"
)

// Acceptance stage statuses, in chain order.
const (
	StagePending                = "pending"
	StageSupervisorApproved     = "supervisor_approved"
	StageProjectManagerApproved = "project_manager_approved"
	StageCustomerApproved       = "customer_approved"
	StageDesignApproved         = "design_approved"
	StageOwnerApproved          = "owner_approved"
	StageRejected               = "rejected"
)

// Acceptance item sign-off statuses.
const (
	AcceptanceNotStarted = "not_started"
	AcceptancePending    = "pending"
	AcceptanceApproved   = "approved"
	AcceptanceRejected   = "rejected"
)

// Acceptance item workflow statuses.
const (
	ItemDraft                  = "draft"
	ItemSubmitted              = "submitted"
	ItemSupervisorApproved     = "supervisor_approved"
	ItemProjectManagerApproved = "project_manager_approved"
	ItemCustomerApproved       = "customer_approved"
	ItemRejected               = "rejected"
)

// Defect statuses and severities.
const (
	DefectOpen       = "open"
	DefectInProgress = "in_progress"
	DefectFixed      = "fixed"
	DefectVerified   = "verified"

	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Project progress sources.
const (
	SourceLogs           = "logs"
	SourceSubcontractors = "subcontractors"
	SourceManual         = "manual"
	SourceAcceptance     = "acceptance"
	SourceMixed          = "mixed"
)

const (
	Acceptable    = "acceptable"
	NotAcceptable = "not_acceptable"
)

// Stage workflow variants.
const (
	WorkflowSimplified = "simplified"
	WorkflowExtended   = "extended"
)

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WorkItem struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	ParentID   *string `json:"parent_id,omitempty"`
	Name       string  `json:"name"`
	StartDate  string  `json:"start_date,omitempty" format:"date"`
	EndDate    string  `json:"end_date,omitempty" format:"date"`
	Duration   int     `json:"duration"`
	Percentage float64 `json:"percentage"`
	Status     string  `json:"status" enum:"not_started,in_progress,delayed,completed"`
	Order      int     `json:"order"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

// IsPhase reports whether the item is a root-level item.
func (w WorkItem) IsPhase() bool { return w.ParentID == nil }

// WorkItemEdit carries the caller-editable fields of a work item.
// Percentage and status are written only through DerivedProgress.
type WorkItemEdit struct {
	ID        string
	ParentID  *string
	Name      string
	StartDate string
	EndDate   string
	Duration  int
	Order     int
	UpdatedAt string
}

// DerivedProgress is the aggregator-only write for a work item.
type DerivedProgress struct {
	WorkItemID string
	Percentage float64
	Status     string
	UpdatedAt  string
}

type ProgressLog struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	WorkItemID string  `json:"work_item_id"`
	LogDate    string  `json:"log_date" format:"date"`
	Percentage float64 `json:"percentage"`
	AuthorID   string  `json:"author_id"`
	Note       string  `json:"note,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

// Approval records who signed one step and when.
type Approval struct {
	By *string `json:"by,omitempty"`
	At *string `json:"at,omitempty" format:"date-time"`
}

func (a Approval) Signed() bool { return a.By != nil }

type AcceptanceStage struct {
	ID               string   `json:"id"`
	ProjectID        string   `json:"project_id"`
	WorkItemID       string   `json:"work_item_id"`
	Sequence         int      `json:"sequence"`
	Name             string   `json:"name"`
	Status           string   `json:"status" enum:"pending,supervisor_approved,project_manager_approved,customer_approved,design_approved,owner_approved,rejected"`
	Supervisor       Approval `json:"supervisor"`
	ProjectManager   Approval `json:"project_manager"`
	Customer         Approval `json:"customer"`
	Design           Approval `json:"design"`
	Owner            Approval `json:"owner"`
	Rejected         Approval `json:"rejected"`
	RejectionReason  string   `json:"rejection_reason,omitempty"`
	ItemsCompletedAt *string  `json:"items_completed_at,omitempty" format:"date-time"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

// TerminalStatus returns the last status of the approval chain for a workflow variant.
func TerminalStatus(workflow string) string {
	if workflow == WorkflowExtended {
		return StageOwnerApproved
	}
	return StageCustomerApproved
}

// IsFullyApproved reports whether the stage reached the end of the chain.
func (s AcceptanceStage) IsFullyApproved(workflow string) bool {
	if workflow == WorkflowExtended {
		return s.Status == StageOwnerApproved
	}
	return s.Status == StageCustomerApproved || s.Status == StageDesignApproved || s.Status == StageOwnerApproved
}

type AcceptanceItem struct {
	ID               string   `json:"id"`
	StageID          string   `json:"stage_id"`
	WorkItemID       *string  `json:"work_item_id,omitempty"`
	TemplateID       *string  `json:"template_id,omitempty"`
	Name             string   `json:"name"`
	StartDate        string   `json:"start_date,omitempty" format:"date"`
	EndDate          string   `json:"end_date,omitempty" format:"date"`
	AcceptanceStatus string   `json:"acceptance_status" enum:"not_started,pending,approved,rejected"`
	WorkflowStatus   string   `json:"workflow_status" enum:"draft,submitted,supervisor_approved,project_manager_approved,customer_approved,rejected"`
	Submitted        Approval `json:"submitted"`
	Supervisor       Approval `json:"supervisor"`
	ProjectManager   Approval `json:"project_manager"`
	Customer         Approval `json:"customer"`
	Accepted         Approval `json:"accepted"`
	Rejected         Approval `json:"rejected"`
	RejectionReason  string   `json:"rejection_reason,omitempty"`
	Order            int      `json:"order"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

type Defect struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	StageID     *string `json:"stage_id,omitempty"`
	ItemID      *string `json:"item_id,omitempty"`
	WorkItemID  *string `json:"work_item_id,omitempty"`
	Description string  `json:"description"`
	Severity    string  `json:"severity" enum:"low,medium,high,critical"`
	Status      string  `json:"status" enum:"open,in_progress,fixed,verified"`
	ReporterID  string  `json:"reporter_id"`
	FixerID     *string `json:"fixer_id,omitempty"`
	VerifierID  *string `json:"verifier_id,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	FixedAt     *string `json:"fixed_at,omitempty" format:"date-time"`
	VerifiedAt  *string `json:"verified_at,omitempty" format:"date-time"`
}

// Unresolved reports whether the defect still blocks acceptance.
func (d Defect) Unresolved() bool { return d.Status != DefectVerified }

type DefectHistory struct {
	ID        string `json:"id"`
	DefectID  string `json:"defect_id"`
	Action    string `json:"action"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status"`
	ActorID   string `json:"actor_id"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ProjectProgress struct {
	ProjectID         string   `json:"project_id"`
	OverallPercentage float64  `json:"overall_percentage"`
	CalculatedFrom    string   `json:"calculated_from" enum:"logs,subcontractors,manual,acceptance,mixed"`
	ManualPercentage  *float64 `json:"manual_percentage,omitempty"`
	LastCalculatedAt  string   `json:"last_calculated_at" format:"date-time"`
}

type SubcontractorProgress struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	Name       string  `json:"name"`
	Weight     float64 `json:"weight"`
	Percentage float64 `json:"percentage"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Refusal reasons reported by guarded transitions.
const (
	ReasonWrongState        = "wrong_state"
	ReasonOpenDefects       = "open_defects"
	ReasonCannotAccept      = "cannot_accept"
	ReasonStepNotInWorkflow = "step_not_in_workflow"
	ReasonNotFound          = "not_found"
)

// Result is the outcome of a guarded transition. A refused transition is not an error.
type Result struct {
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
}

func Applied() Result { return Result{Applied: true} }

func Refused(reason string) Result { return Result{Reason: reason} }
