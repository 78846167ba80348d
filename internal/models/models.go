package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type Source string

const (
	SourceTrackerA Source = "tracker_a"
	SourceTrackerB Source = "tracker_b"
	SourceChat     Source = "chat"
)

func (s Source) Valid() bool {
	switch s {
	case SourceTrackerA, SourceTrackerB, SourceChat:
		return true
	}
	return false
}

type EventKind string

const (
	KindCommentPosted   EventKind = "comment_posted"
	KindReviewRequested EventKind = "review_requested"
	KindStatusBlocked   EventKind = "status_blocked"
	KindApprovalPending EventKind = "approval_pending"
	KindPRStale         EventKind = "pr_stale"
	// KindResolved carries an external "resolved" signal. It never creates an item.
	KindResolved EventKind = "resolved"
)

func (k EventKind) Valid() bool {
	switch k {
	case KindCommentPosted, KindReviewRequested, KindStatusBlocked, KindApprovalPending, KindPRStale, KindResolved:
		return true
	}
	return false
}

// RawEvent is the canonical form of a webhook delivery or poll result.
type RawEvent struct {
	Source      Source    `json:"source"`
	ExternalID  string    `json:"external_id"`
	SubjectKind string    `json:"subject_kind"`
	SubjectID   string    `json:"subject_id"`
	ObservedAt  time.Time `json:"observed_at"`
	Kind        EventKind `json:"kind"`
	Title       string    `json:"title,omitempty"`
	URL         string    `json:"url,omitempty"`
}

func (e RawEvent) Key() ItemKey {
	return ItemKey{Kind: e.SubjectKind, ID: e.SubjectID}
}

type ItemKey struct {
	Kind string `json:"item_kind"`
	ID   string `json:"item_id"`
}

func (k ItemKey) String() string {
	return fmt.Sprintf("%s/%s", k.Kind, k.ID)
}

type ActionRecord struct {
	ID          int64     `json:"id"`
	Level       int       `json:"level"`
	ActionKind  string    `json:"action_kind"`
	FiredAt     time.Time `json:"fired_at"`
	ExternalRef string    `json:"external_ref"`
}

type ActionFailure struct {
	ID         int64     `json:"id"`
	Level      int       `json:"level"`
	ActionKind string    `json:"action_kind"`
	Attempt    int       `json:"attempt"`
	FailedAt   time.Time `json:"failed_at"`
	Error      string    `json:"error"`
}

type TrackedItem struct {
	Kind               string          `json:"item_kind"`
	ID                 string          `json:"item_id"`
	PolicyKey          string          `json:"policy_key"`
	Source             Source          `json:"source"`
	Title              string          `json:"title,omitempty"`
	URL                string          `json:"url,omitempty"`
	FirstDetectedAt    time.Time       `json:"first_detected_at"`
	LastObservedAt     time.Time       `json:"last_observed_at"`
	CurrentLevel       int             `json:"current_level"`
	ActionsTaken       []ActionRecord  `json:"actions_taken"`
	Failures           []ActionFailure `json:"failures"`
	ResolveRequestedAt *time.Time      `json:"resolve_requested_at,omitempty"`
	ResolvedAt         *time.Time      `json:"resolved_at,omitempty"`
	ResolutionReason   string          `json:"resolution_reason,omitempty"`
	NotifyFailing      bool            `json:"notify_failing"`
	RetryFrom          *time.Time      `json:"retry_from,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func (t TrackedItem) Key() ItemKey {
	return ItemKey{Kind: t.Kind, ID: t.ID}
}

func (t TrackedItem) Open() bool {
	return t.ResolvedAt == nil
}

// HasAction reports whether the audit trail already holds an action of kind for level.
func (t TrackedItem) HasAction(level int, kind string) bool {
	for _, a := range t.ActionsTaken {
		if a.Level == level && a.ActionKind == kind {
			return true
		}
	}
	return false
}

// FailuresSince counts failed attempts for (level, kind) after the operator retry mark.
func (t TrackedItem) FailuresSince(level int, kind string) int {
	n := 0
	for _, f := range t.Failures {
		if f.Level != level || f.ActionKind != kind {
			continue
		}
		if t.RetryFrom != nil && !f.FailedAt.After(*t.RetryFrom) {
			continue
		}
		n++
	}
	return n
}

type Snapshot struct {
	Date        string         `json:"date"`
	GeneratedAt time.Time      `json:"generated_at"`
	Total       int            `json:"total"`
	Open        int            `json:"open"`
	Resolved    int            `json:"resolved"`
	ByLevel     map[string]int `json:"by_level"`
	ByPolicy    map[string]int `json:"by_policy"`
	ByAge       map[string]int `json:"by_age"`
}

type Run struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Status     string          `json:"status"`
	Summary    json.RawMessage `json:"summary,omitempty"`
}
