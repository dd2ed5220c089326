package audit

import (
	"time"

	"github.com/josealfredo79/20250829StellarSummerFriday/internal/records"
)

const (
	ActionRecordCreate = records.ActionCreate
	ActionRecordUpdate = records.ActionUpdate
	ActionRecordDelete = records.ActionDelete

	ActionKeyGenerate = "key.generate"

	ActionSystemAuthFailure = "system.auth-failure"
)

var AllActionTypes = []string{
	ActionRecordCreate,
	ActionRecordUpdate,
	ActionRecordDelete,
	ActionKeyGenerate,
	ActionSystemAuthFailure,
}

const (
	TargetTypeRecord = "record"
	TargetTypeKey    = "key"
	TargetTypeSystem = "system"
)

type Event struct {
	Timestamp  time.Time
	Action     string
	TargetType string
	TargetID   string
	Result     string
	Actor      string
	Details    any
}

type Filter struct {
	Action   string
	TargetID string
	Actor    string
	Since    *time.Time
	Until    *time.Time
	Limit    int
}

type RecordedEvent struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Actor       string    `json:"actor,omitempty"`
	Action      string    `json:"action"`
	TargetType  string    `json:"target_type,omitempty"`
	TargetID    string    `json:"target_id,omitempty"`
	Result      string    `json:"result"`
	DetailsJSON string    `json:"details"`
	PrevHash    string    `json:"prev_hash"`
	EventHash   string    `json:"event_hash"`
}

type VerifyResult struct {
	Valid      bool   `json:"valid"`
	EventCount int    `json:"event_count"`
	ChainTip   string `json:"chain_tip"`
	Error      string `json:"error,omitempty"`
}
