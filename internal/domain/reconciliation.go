package domain

import "time"

// ReconciliationStage names the stage of a pass that produced a record.
type ReconciliationStage string

const (
	StageFillBackfill ReconciliationStage = "fill_backfill"
	StageOrderSync    ReconciliationStage = "order_sync"
	StageOrphans      ReconciliationStage = "orphans"
	StagePositionSync ReconciliationStage = "position_sync"
	StageOperator     ReconciliationStage = "operator_override"
)

// TruthSource identifies where a reconciliation decision took its facts from.
type TruthSource string

const (
	SourceBrokerOrder    TruthSource = "broker_order"
	SourceBrokerFills    TruthSource = "broker_fills"
	SourceBrokerPosition TruthSource = "broker_position"
	SourceFillsLedger    TruthSource = "fills_ledger"
	SourceOperator       TruthSource = "operator"
)

// Resolution is the outcome recorded for one reconciliation decision.
type Resolution string

const (
	ResolutionOverwritten Resolution = "overwritten" // local state replaced by broker truth
	ResolutionKept        Resolution = "kept"        // local state already agreed or was newer
	ResolutionSkipped     Resolution = "skipped"     // lost a CAS race to a fresher/higher write
	ResolutionBackfilled  Resolution = "backfilled"
	ResolutionSuperseded  Resolution = "superseded"
	ResolutionSynthetic   Resolution = "synthetic_fill"
	ResolutionOrphan      Resolution = "orphan"
	ResolutionNoop        Resolution = "noop"
	ResolutionOscillation Resolution = "oscillation"
	ResolutionCorrected   Resolution = "position_corrected"
	ResolutionDrift       Resolution = "position_drift"
	ResolutionConflict    Resolution = "conflict"
	ResolutionError       Resolution = "error"
)

// ReconciliationRecord is one append-only entry of the reconciliation log.
type ReconciliationRecord struct {
	RecordID       string
	PassID         string
	Stage          ReconciliationStage
	ClientOrderID  string
	Symbol         string
	PreviousStatus OrderStatus
	NewStatus      OrderStatus
	Source         TruthSource
	Resolution     Resolution
	Detail         string
	CreatedAt      time.Time
}

// OrphanSide tells which side knows about an orphaned order.
type OrphanSide string

const (
	OrphanBrokerOnly OrphanSide = "broker_only"
	OrphanLocalOnly  OrphanSide = "local_only"
)

// Orphan is an order known to one side but not the other. Orphans are
// surfaced for manual review and never auto-resolved.
type Orphan struct {
	OrphanID       string
	Side           OrphanSide
	ClientOrderID  string
	BrokerOrderID  string
	Symbol         string
	Detail         string
	DetectedAt     time.Time
	LastSeenAt     time.Time
	Acknowledged   bool
	AcknowledgedAt *time.Time
}
