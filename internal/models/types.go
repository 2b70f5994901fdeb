package models

import "time"

// Answer values accepted for a record. Skip and timeout are distinguished
// from substantive yes/no decisions when gating session completion.
const (
	AnswerYes     = "yes"
	AnswerNo      = "no"
	AnswerSkip    = "skip"
	AnswerTimeout = "timeout"
)

// Session is one participant attempt across all stages of a group.
// Sessions are never deleted; they are retained for audit and export.
type Session struct {
	ID              string
	ParticipantID   string
	ParticipantRole string
	GroupID         string
	BatchID         string
	StartedAt       time.Time
	FinishedAt      *time.Time
	UserAgent       string
	IPHash          string
	TotalElapsedMS  *int64
}

// Finished reports whether the session has been completed.
func (s *Session) Finished() bool { return s != nil && s.FinishedAt != nil }

// Stage is one (subset, mode) segment of a session's sequence, materialized
// from the group configuration at session start.
type Stage struct {
	SessionID  string
	Index      int
	SubsetID   string
	ModeID     string
	Label      string
	TotalItems int
}

// Item is a single case image within a session's flattened sequence.
// OrderIndex is assigned once at session start and never changes.
type Item struct {
	SessionID  string
	ImageID    string
	Filename   string
	Title      string
	URL        string
	OrderIndex int
	StageIndex int
	SubsetID   string
	ModeID     string
}

// Record is the persisted outcome of a participant's interaction with one
// item. At most one record exists per (session, image); a later submission
// for the same image replaces the earlier one.
type Record struct {
	SessionID       string
	ImageID         string
	Answer          string
	OrderIndex      int
	ElapsedMSItem   *int64
	ElapsedMSGlobal *int64
	Skipped         bool
	ItemTimeout     bool
	TSServer        time.Time
	TSClient        *time.Time
	UserAgent       string
	IPHash          string
	SubsetID        string
	StageIndex      int
	ModeID          string
}

// Substantive reports whether the record counts toward session completion.
// Timeout answers count; skips and empty answers do not.
func (r *Record) Substantive() bool {
	return r != nil && !r.Skipped && r.Answer != "" && r.Answer != AnswerSkip
}
