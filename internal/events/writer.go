// Package events is the append-only diary of state changes shown by
// `iv log tail` and GET /events.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Type string

const (
	AppOpen         Type = "app.open"
	TaskCreate      Type = "task.create"
	TaskComplete    Type = "task.complete"
	TaskReopen      Type = "task.reopen"
	TaskDelete      Type = "task.delete"
	RewardCreate    Type = "reward.create"
	RewardBuy       Type = "reward.buy"
	RewardDenied    Type = "reward.denied"
	RewardDelete    Type = "reward.delete"
	RuleCreate      Type = "rule.create"
	RuleDelete      Type = "rule.delete"
	DialogueAdvance Type = "dialogue.advance"
	DialogueFlush   Type = "dialogue.flush"
	FocusEnter      Type = "focus.enter"
	FocusLeave      Type = "focus.leave"
	VoiceConsult    Type = "voice.consult"
)

// Entity kinds.
const (
	KindApp     = "app"
	KindTask    = "task"
	KindReward  = "reward"
	KindRule    = "rule"
	KindMessage = "message"
)

type EventPayload map[string]any

// Record is one diary entry. EntityID is empty for app-wide events.
type Record struct {
	Type       Type
	EntityKind string
	EntityID   string
	Payload    EventPayload
}

type Writer struct {
	Now func() time.Time
}

// Append writes rec inside tx, so it commits or rolls back with the state
// change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	if rec.Type == "" {
		return fmt.Errorf("event type is required")
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	payload := rec.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", rec.Type, err)
	}
	var entityID any
	if rec.EntityID != "" {
		entityID = rec.EntityID
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), string(rec.Type), rec.EntityKind, entityID, string(data))
	return err
}
