package models

import (
	"errors"
	"time"
)

// CaseCreated is emitted by the case system when a case is opened.
type CaseCreated struct {
	CaseID          string     `json:"case_id" binding:"required"`
	CustomerSegment string     `json:"customer_segment"`
	ContractType    string     `json:"contract_type"`
	SupportPlan     string     `json:"support_plan"`
	Priority        Priority   `json:"priority" binding:"required"`
	Tags            StringList `json:"tags,omitempty"`
	CreatedAt       time.Time  `json:"created_at" binding:"required"`
}

// Validate checks required fields.
func (e *CaseCreated) Validate() error {
	if e.CaseID == "" {
		return errors.New("case_id is required")
	}
	if !e.Priority.Valid() {
		return errors.New("priority must be one of low, medium, high, critical")
	}
	if e.CreatedAt.IsZero() {
		return errors.New("created_at is required")
	}
	return nil
}

// CasePriorityChanged is emitted when a case is re-prioritized.
type CasePriorityChanged struct {
	CaseID      string    `json:"case_id"`
	NewPriority Priority  `json:"new_priority" binding:"required"`
	ChangedAt   time.Time `json:"changed_at"`
}

// Validate checks required fields.
func (e *CasePriorityChanged) Validate() error {
	if e.CaseID == "" {
		return errors.New("case_id is required")
	}
	if !e.NewPriority.Valid() {
		return errors.New("new_priority must be one of low, medium, high, critical")
	}
	return nil
}

// CaseResponded marks the first agent response on a case.
type CaseResponded struct {
	CaseID      string    `json:"case_id"`
	RespondedAt time.Time `json:"responded_at" binding:"required"`
}

// Validate checks required fields.
func (e *CaseResponded) Validate() error {
	if e.CaseID == "" {
		return errors.New("case_id is required")
	}
	if e.RespondedAt.IsZero() {
		return errors.New("responded_at is required")
	}
	return nil
}

// CaseResolved is emitted when a case reaches resolved or closed.
type CaseResolved struct {
	CaseID     string     `json:"case_id"`
	ResolvedAt time.Time  `json:"resolved_at" binding:"required"`
	Status     CaseStatus `json:"status,omitempty"`
}

// Validate checks required fields and defaults the terminal status.
func (e *CaseResolved) Validate() error {
	if e.CaseID == "" {
		return errors.New("case_id is required")
	}
	if e.ResolvedAt.IsZero() {
		return errors.New("resolved_at is required")
	}
	if e.Status == "" {
		e.Status = CaseStatusResolved
	}
	if !e.Status.Terminal() {
		return errors.New("status must be resolved or closed")
	}
	return nil
}

// CaseClosed is emitted when a case is closed without a separate resolution.
type CaseClosed struct {
	CaseID   string    `json:"case_id"`
	ClosedAt time.Time `json:"closed_at" binding:"required"`
}

// Validate checks required fields.
func (e *CaseClosed) Validate() error {
	if e.CaseID == "" {
		return errors.New("case_id is required")
	}
	if e.ClosedAt.IsZero() {
		return errors.New("closed_at is required")
	}
	return nil
}

// AsResolved converts the event into the equivalent terminal transition.
func (e *CaseClosed) AsResolved() CaseResolved {
	return CaseResolved{CaseID: e.CaseID, ResolvedAt: e.ClosedAt, Status: CaseStatusClosed}
}
