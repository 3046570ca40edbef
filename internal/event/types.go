package event

import (
	"time"

	"github.com/gantry-io/gantry/internal/plan"
)

// Event is implemented by every event published on the bus.
type Event interface {
	// EventType returns the event identifier, "category.action".
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides the common fields; embed it in concrete events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// -----------------------------------------------------------------------------
// Plan Lifecycle Events
// -----------------------------------------------------------------------------

// PlanCreated is emitted when a plan is created (paused).
type PlanCreated struct {
	baseEvent
	PlanID string
	Name   string
}

// NewPlanCreated creates a PlanCreated event.
func NewPlanCreated(planID, name string) PlanCreated {
	return PlanCreated{baseEvent: newBaseEvent("plan.created"), PlanID: planID, Name: name}
}

// PlanStarted is emitted the first time a plan is observed running.
type PlanStarted struct {
	baseEvent
	PlanID string
}

// NewPlanStarted creates a PlanStarted event.
func NewPlanStarted(planID string) PlanStarted {
	return PlanStarted{baseEvent: newBaseEvent("plan.started"), PlanID: planID}
}

// PlanCompleted is emitted when a plan reaches a terminal status.
type PlanCompleted struct {
	baseEvent
	PlanID string
	Status plan.PlanStatus
}

// NewPlanCompleted creates a PlanCompleted event.
func NewPlanCompleted(planID string, status plan.PlanStatus) PlanCompleted {
	return PlanCompleted{baseEvent: newBaseEvent("plan.completed"), PlanID: planID, Status: status}
}

// PlanDeleted is emitted when a plan is removed, whether by API call or
// by external deletion of its on-disk document.
type PlanDeleted struct {
	baseEvent
	PlanID string
}

// NewPlanDeleted creates a PlanDeleted event.
func NewPlanDeleted(planID string) PlanDeleted {
	return PlanDeleted{baseEvent: newBaseEvent("plan.deleted"), PlanID: planID}
}

// -----------------------------------------------------------------------------
// Node Events
// -----------------------------------------------------------------------------

// NodeTransition is emitted on every node status change.
type NodeTransition struct {
	baseEvent
	PlanID string
	NodeID string
	From   plan.Status
	To     plan.Status
	Reason string
}

// NewNodeTransition creates a NodeTransition event.
func NewNodeTransition(planID, nodeID string, from, to plan.Status, reason string) NodeTransition {
	return NodeTransition{
		baseEvent: newBaseEvent("node.transition"),
		PlanID:    planID,
		NodeID:    nodeID,
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// NodeStarted is emitted when an executor begins driving a node.
type NodeStarted struct {
	baseEvent
	PlanID  string
	NodeID  string
	Attempt int
}

// NewNodeStarted creates a NodeStarted event.
func NewNodeStarted(planID, nodeID string, attempt int) NodeStarted {
	return NodeStarted{baseEvent: newBaseEvent("node.started"), PlanID: planID, NodeID: nodeID, Attempt: attempt}
}

// NodeCompleted is emitted when a node reaches a terminal status.
type NodeCompleted struct {
	baseEvent
	PlanID  string
	NodeID  string
	Success bool
	Summary *plan.WorkSummary
}

// NewNodeCompleted creates a NodeCompleted event.
func NewNodeCompleted(planID, nodeID string, success bool, summary *plan.WorkSummary) NodeCompleted {
	return NodeCompleted{
		baseEvent: newBaseEvent("node.completed"),
		PlanID:    planID,
		NodeID:    nodeID,
		Success:   success,
		Summary:   summary,
	}
}

// NodeRetry is emitted when a failed node is queued for another run.
type NodeRetry struct {
	baseEvent
	PlanID      string
	NodeID      string
	ResumePhase plan.Phase
}

// NewNodeRetry creates a NodeRetry event.
func NewNodeRetry(planID, nodeID string, resumePhase plan.Phase) NodeRetry {
	return NodeRetry{baseEvent: newBaseEvent("node.retry"), PlanID: planID, NodeID: nodeID, ResumePhase: resumePhase}
}
