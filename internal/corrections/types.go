package corrections

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("correction not found")
	ErrInvalidInput = errors.New("invalid correction")
)

type Source string

const (
	SourceUserEdit       Source = "user-edit"
	SourcePhrasebookRule Source = "phrasebook-rule"
	SourceTrainingReview Source = "training-review"
)

type CorrectionType string

const (
	TypeTerminology CorrectionType = "terminology"
	TypeSpelling    CorrectionType = "spelling"
	TypeFormatting  CorrectionType = "formatting"
	TypeOther       CorrectionType = "other"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Entry is one accepted ASR correction. Timestamp is epoch milliseconds.
type Entry struct {
	ID                     string         `json:"id"`
	Timestamp              int64          `json:"timestamp"`
	RawText                string         `json:"rawText"`
	CorrectedText          string         `json:"correctedText"`
	AgentType              string         `json:"agentType"`
	Confidence             float64        `json:"confidence"`
	Source                 Source         `json:"source"`
	CorrectionType         CorrectionType `json:"correctionType"`
	ApprovalStatus         ApprovalStatus `json:"approvalStatus"`
	UserExplicitlyApproved bool           `json:"userExplicitlyApproved"`
	AudioPath              string         `json:"audioPath,omitempty"`
	Context                string         `json:"context,omitempty"`
}

func (e Entry) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Store is the persisted blob. Entry order is not meaningful.
type Store struct {
	Entries     []Entry `json:"entries"`
	LastCleanup int64   `json:"lastCleanup"`
	TotalSize   int64   `json:"totalSize"`
}

func emptyStore() Store {
	return Store{Entries: []Entry{}}
}

// NewEntry is an Entry before the log assigns its id and timestamp.
type NewEntry struct {
	RawText                string         `json:"rawText"`
	CorrectedText          string         `json:"correctedText"`
	AgentType              string         `json:"agentType"`
	Confidence             float64        `json:"confidence"`
	Source                 Source         `json:"source"`
	CorrectionType         CorrectionType `json:"correctionType"`
	ApprovalStatus         ApprovalStatus `json:"approvalStatus"`
	UserExplicitlyApproved bool           `json:"userExplicitlyApproved"`
	AudioPath              string         `json:"audioPath,omitempty"`
	Context                string         `json:"context,omitempty"`
}

func (n NewEntry) validate() error {
	if strings.TrimSpace(n.CorrectedText) == "" {
		return fmt.Errorf("%w: correctedText is required", ErrInvalidInput)
	}
	if n.Confidence < 0 || n.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be within [0,1]", ErrInvalidInput)
	}
	return nil
}

func (n NewEntry) entry(id string, at time.Time) Entry {
	e := Entry{
		ID:                     id,
		Timestamp:              at.UnixMilli(),
		RawText:                n.RawText,
		CorrectedText:          n.CorrectedText,
		AgentType:              n.AgentType,
		Confidence:             n.Confidence,
		Source:                 n.Source,
		CorrectionType:         n.CorrectionType,
		ApprovalStatus:         n.ApprovalStatus,
		UserExplicitlyApproved: n.UserExplicitlyApproved,
		AudioPath:              n.AudioPath,
		Context:                n.Context,
	}
	if e.Source == "" {
		e.Source = SourceUserEdit
	}
	if e.CorrectionType == "" {
		e.CorrectionType = TypeOther
	}
	if e.ApprovalStatus == "" {
		e.ApprovalStatus = ApprovalPending
	}
	return e
}

// Patch carries the fields an update replaces. Nil fields are kept.
type Patch struct {
	RawText                *string         `json:"rawText,omitempty"`
	CorrectedText          *string         `json:"correctedText,omitempty"`
	AgentType              *string         `json:"agentType,omitempty"`
	Confidence             *float64        `json:"confidence,omitempty"`
	Source                 *Source         `json:"source,omitempty"`
	CorrectionType         *CorrectionType `json:"correctionType,omitempty"`
	ApprovalStatus         *ApprovalStatus `json:"approvalStatus,omitempty"`
	UserExplicitlyApproved *bool           `json:"userExplicitlyApproved,omitempty"`
	AudioPath              *string         `json:"audioPath,omitempty"`
	Context                *string         `json:"context,omitempty"`
}

func (p Patch) validate() error {
	if p.Confidence != nil && (*p.Confidence < 0 || *p.Confidence > 1) {
		return fmt.Errorf("%w: confidence must be within [0,1]", ErrInvalidInput)
	}
	if p.CorrectedText != nil && strings.TrimSpace(*p.CorrectedText) == "" {
		return fmt.Errorf("%w: correctedText cannot be empty", ErrInvalidInput)
	}
	return nil
}

// apply merges p over e. The id and timestamp never change.
func (p Patch) apply(e Entry) Entry {
	if p.RawText != nil {
		e.RawText = *p.RawText
	}
	if p.CorrectedText != nil {
		e.CorrectedText = *p.CorrectedText
	}
	if p.AgentType != nil {
		e.AgentType = *p.AgentType
	}
	if p.Confidence != nil {
		e.Confidence = *p.Confidence
	}
	if p.Source != nil {
		e.Source = *p.Source
	}
	if p.CorrectionType != nil {
		e.CorrectionType = *p.CorrectionType
	}
	if p.ApprovalStatus != nil {
		e.ApprovalStatus = *p.ApprovalStatus
	}
	if p.UserExplicitlyApproved != nil {
		e.UserExplicitlyApproved = *p.UserExplicitlyApproved
	}
	if p.AudioPath != nil {
		e.AudioPath = *p.AudioPath
	}
	if p.Context != nil {
		e.Context = *p.Context
	}
	return e
}

// Filter selects entries for Query. Zero values mean unset.
type Filter struct {
	Since     time.Time
	Until     time.Time
	AgentType string
	Limit     int
}

func (f Filter) match(e Entry) bool {
	if !f.Since.IsZero() && e.Timestamp < f.Since.UnixMilli() {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp > f.Until.UnixMilli() {
		return false
	}
	if f.AgentType != "" && e.AgentType != f.AgentType {
		return false
	}
	return true
}
