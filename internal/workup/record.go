package workup

import (
	"encoding/json"
	"strings"
	"time"
)

// Standard TAVI workup sections used for completion tracking.
var StandardSections = []string{
	"referral",
	"history",
	"echocardiography",
	"ct_angiography",
	"coronary_angiography",
	"frailty",
	"access",
	"heart_team",
}

type Section struct {
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// CompletionPercentage is the share of standard sections with content,
// rounded to the nearest whole percent.
func CompletionPercentage(sections map[string]Section) int {
	if len(StandardSections) == 0 {
		return 0
	}
	filled := 0
	for _, key := range StandardSections {
		if s, ok := sections[key]; ok && strings.TrimSpace(s.Content) != "" {
			filled++
		}
	}
	return (filled*100 + len(StandardSections)/2) / len(StandardSections)
}

type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Conflict records a field-level disagreement where both sides changed
// since the last successful sync.
type Conflict struct {
	Fields         []FieldName `json:"fields"`
	LocalValues    FieldValues `json:"localValues"`
	RemoteValues   FieldValues `json:"remoteValues"`
	LocalEditedAt  time.Time   `json:"localEditedAt"`
	RemoteEditedAt time.Time   `json:"remoteEditedAt"`
	Preferred      Side        `json:"preferred"`
	DetectedAt     time.Time   `json:"detectedAt"`
}

type Record struct {
	ID                   string             `json:"id"`
	Fields               Fields             `json:"fields"`
	StructuredSections   map[string]Section `json:"structuredSections"`
	CompletionPercentage int                `json:"completionPercentage"`

	RemoteID  string `json:"remoteId,omitempty"`
	RemoteURL string `json:"remoteUrl,omitempty"`

	CreatedAt            time.Time `json:"createdAt"`
	LastUpdatedAt        time.Time `json:"lastUpdatedAt"`
	LastSyncedAt         time.Time `json:"lastSyncedAt"`
	LocalFieldsUpdatedAt time.Time `json:"localFieldsUpdatedAt"`
	RemoteLastEditedAt   time.Time `json:"remoteLastEditedAt"`

	SyncError    string    `json:"syncError,omitempty"`
	SyncConflict *Conflict `json:"syncConflict,omitempty"`

	// Agent output, stored as received.
	ExtractedData json.RawMessage `json:"extractedData,omitempty"`
	Validation    json.RawMessage `json:"validation,omitempty"`
}

// LocallyChanged reports a field edit newer than the last successful sync.
func (r Record) LocallyChanged() bool {
	return r.LocalFieldsUpdatedAt.After(r.LastSyncedAt)
}

// AutoSyncable is false while a conflict or a sticky error is pending.
func (r Record) AutoSyncable() bool {
	return r.SyncConflict == nil && r.SyncError == ""
}

// RemoteRecord is one row of the remote listing.
type RemoteRecord struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Fields       Fields    `json:"fields"`
	LastEditedAt time.Time `json:"lastEditedAt"`
}

// Report is the opaque output of a report-generation agent.
type Report struct {
	StructuredSections map[string]Section `json:"structuredSections"`
	ExtractedData      json.RawMessage    `json:"extractedData,omitempty"`
	Validation         json.RawMessage    `json:"validation,omitempty"`
}
