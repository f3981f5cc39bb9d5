package models

import (
	"time"

	"gorm.io/datatypes"
)

type Phase string

const (
	PhaseQueued      Phase = "queued"
	PhaseSyncing     Phase = "syncing"
	PhaseEnriching   Phase = "enriching"
	PhaseAggregating Phase = "aggregating"
	Phase1Complete   Phase = "phase1_complete"
	Phase2Pending    Phase = "phase2_pending"
	Phase2Complete   Phase = "phase2_complete"
	PhaseFailed      Phase = "failed"
)

// phaseOrder is the forward sequence. failed sits outside it.
var phaseOrder = []Phase{
	PhaseQueued,
	PhaseSyncing,
	PhaseEnriching,
	PhaseAggregating,
	Phase1Complete,
	Phase2Pending,
	Phase2Complete,
}

// IsTerminal reports whether no further transition is possible.
func (p Phase) IsTerminal() bool {
	return p == Phase2Complete || p == PhaseFailed
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p == PhaseFailed || p.index() >= 0
}

// Next returns the phase that follows p, or "" when p is terminal.
func (p Phase) Next() Phase {
	i := p.index()
	if i < 0 || i+1 >= len(phaseOrder) {
		return ""
	}
	return phaseOrder[i+1]
}

func (p Phase) index() int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// CanTransition enforces monotonic forward movement by exactly one step, plus
// failed from any non-terminal phase.
func CanTransition(from, to Phase) bool {
	if from.IsTerminal() || !from.Valid() {
		return false
	}
	if to == PhaseFailed {
		return true
	}
	return from.Next() == to
}

// PipelineRun is one onboarding generation for a tenant. At most one run per
// tenant is non-terminal at a time.
type PipelineRun struct {
	ID         string            `gorm:"column:id;primaryKey"`
	TenantID   string            `gorm:"column:tenant_id;uniqueIndex:idx_pipeline_runs_tenant_generation"`
	Generation int               `gorm:"column:generation;uniqueIndex:idx_pipeline_runs_tenant_generation"`
	Phase      Phase             `gorm:"column:phase;index"`
	Terminal   bool              `gorm:"column:terminal"`
	ErrorCode  *string           `gorm:"column:error_code"`
	Metrics    datatypes.JSON    `gorm:"column:metrics"`
	StartedAt  time.Time         `gorm:"column:started_at"`
	UpdatedAt  time.Time         `gorm:"column:updated_at"`
	FinishedAt *time.Time        `gorm:"column:finished_at"`
	History    []PhaseTransition `gorm:"foreignKey:RunID"`
}

// TableName specifies the table name for GORM
func (PipelineRun) TableName() string {
	return "pipeline_runs"
}

// PhaseTransition is one entry of a run's ordered phase history.
type PhaseTransition struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	RunID     string    `gorm:"column:run_id;index"`
	FromPhase Phase     `gorm:"column:from_phase"`
	ToPhase   Phase     `gorm:"column:to_phase"`
	ErrorCode *string   `gorm:"column:error_code"`
	At        time.Time `gorm:"column:at"`
}

// TableName specifies the table name for GORM
func (PhaseTransition) TableName() string {
	return "pipeline_phase_transitions"
}
