package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"innervoice/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	keySaved   = "saved"
	keyBalance = "balance"
	keyMode    = "mode"
	keyStats   = "stats"
)

// LoadState returns the last saved application state. The boolean is false
// when the workspace has never been saved; the state is then InitialState.
func (r Repo) LoadState(ctx context.Context) (domain.State, bool, error) {
	return loadState(ctx, r.DB)
}

func (r Repo) LoadStateTx(ctx context.Context, tx *sql.Tx) (domain.State, bool, error) {
	return loadState(ctx, tx)
}

// SaveState replaces the stored state with st.
func (r Repo) SaveState(ctx context.Context, st domain.State) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.SaveStateTx(ctx, tx, st); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveStateTx replaces the stored state with st inside tx. The write is a full
// replacement: the last save wins.
func (r Repo) SaveStateTx(ctx context.Context, tx *sql.Tx, st domain.State) error {
	for _, table := range []string{"tasks", "rewards", "rules", "messages", "pending_triggers"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	for i, t := range st.Tasks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,position,text,completed,created_at,difficulty,reward_value) VALUES (?,?,?,?,?,?,?)`,
			t.ID, i, t.Text, boolToInt(t.Completed), t.CreatedAt, string(t.Difficulty), int64(t.RewardValue)); err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}
	for i, rw := range st.Rewards {
		if _, err := tx.ExecContext(ctx, `INSERT INTO rewards(id,position,text,cost) VALUES (?,?,?,?)`,
			rw.ID, i, rw.Text, int64(rw.Cost)); err != nil {
			return fmt.Errorf("insert reward %s: %w", rw.ID, err)
		}
	}
	for i, rule := range st.Rules {
		if _, err := tx.ExecContext(ctx, `INSERT INTO rules(id,position,trigger_type,persona,text) VALUES (?,?,?,?,?)`,
			rule.ID, i, string(rule.Trigger), string(rule.Persona), rule.Text); err != nil {
			return fmt.Errorf("insert rule %s: %w", rule.ID, err)
		}
	}
	if err := insertMessages(ctx, tx, "read", st.History); err != nil {
		return err
	}
	if err := insertMessages(ctx, tx, "pending", st.Pending); err != nil {
		return err
	}
	for i, pt := range st.Buffer {
		if _, err := tx.ExecContext(ctx, `INSERT INTO pending_triggers(position,trigger_type,persona) VALUES (?,?,?)`,
			i, string(pt.Trigger), string(pt.Persona)); err != nil {
			return fmt.Errorf("insert pending trigger: %w", err)
		}
	}
	stats, err := json.Marshal(st.Stats)
	if err != nil {
		return err
	}
	mode := st.Mode
	if mode == "" {
		mode = domain.Unfocused
	}
	kv := map[string]string{
		keySaved:   "1",
		keyBalance: strconv.FormatInt(int64(st.Balance), 10),
		keyMode:    string(mode),
		keyStats:   string(stats),
	}
	for k, v := range kv {
		if _, err := tx.ExecContext(ctx, `INSERT INTO app_state(key,value) VALUES (?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, k, v); err != nil {
			return fmt.Errorf("save %s: %w", k, err)
		}
	}
	return nil
}

func insertMessages(ctx context.Context, tx *sql.Tx, status string, msgs []domain.Message) error {
	for i, m := range msgs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO messages(id,status,position,persona,text,ts) VALUES (?,?,?,?,?,?)`,
			m.ID, status, i, string(m.Persona), m.Text, m.Timestamp); err != nil {
			return fmt.Errorf("insert %s message %s: %w", status, m.ID, err)
		}
	}
	return nil
}

func loadState(ctx context.Context, q querier) (domain.State, bool, error) {
	st := domain.InitialState()
	kv, err := loadKV(ctx, q)
	if err != nil {
		return st, false, err
	}
	if kv[keySaved] != "1" {
		return st, false, nil
	}
	if v, ok := kv[keyBalance]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return st, false, fmt.Errorf("parse balance: %w", err)
		}
		st.Balance = domain.Money(n)
	}
	if v := kv[keyMode]; v != "" {
		st.Mode = domain.Mode(v)
	}
	if v := kv[keyStats]; v != "" {
		if err := json.Unmarshal([]byte(v), &st.Stats); err != nil {
			return st, false, fmt.Errorf("parse stats: %w", err)
		}
	}
	if st.Tasks, err = loadTasks(ctx, q); err != nil {
		return st, false, err
	}
	if st.Rewards, err = loadRewards(ctx, q); err != nil {
		return st, false, err
	}
	if st.Rules, err = loadRules(ctx, q); err != nil {
		return st, false, err
	}
	if st.History, err = loadMessages(ctx, q, "read"); err != nil {
		return st, false, err
	}
	if st.Pending, err = loadMessages(ctx, q, "pending"); err != nil {
		return st, false, err
	}
	if st.Buffer, err = loadBuffer(ctx, q); err != nil {
		return st, false, err
	}
	return st, true, nil
}

func loadKV(ctx context.Context, q querier) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT key,value FROM app_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func loadTasks(ctx context.Context, q querier) ([]domain.Task, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,text,completed,created_at,difficulty,reward_value FROM tasks ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Task{}
	for rows.Next() {
		var t domain.Task
		var completed int
		var difficulty string
		var value int64
		if err := rows.Scan(&t.ID, &t.Text, &completed, &t.CreatedAt, &difficulty, &value); err != nil {
			return nil, err
		}
		t.Completed = completed != 0
		t.Difficulty = domain.Difficulty(difficulty)
		t.RewardValue = domain.Money(value)
		res = append(res, t)
	}
	return res, rows.Err()
}

func loadRewards(ctx context.Context, q querier) ([]domain.Reward, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,text,cost FROM rewards ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Reward{}
	for rows.Next() {
		var rw domain.Reward
		var cost int64
		if err := rows.Scan(&rw.ID, &rw.Text, &cost); err != nil {
			return nil, err
		}
		rw.Cost = domain.Money(cost)
		res = append(res, rw)
	}
	return res, rows.Err()
}

func loadRules(ctx context.Context, q querier) ([]domain.Rule, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,trigger_type,persona,text FROM rules ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Rule{}
	for rows.Next() {
		var rule domain.Rule
		var trig, persona string
		if err := rows.Scan(&rule.ID, &trig, &persona, &rule.Text); err != nil {
			return nil, err
		}
		rule.Trigger = domain.Trigger(trig)
		rule.Persona = domain.Persona(persona)
		res = append(res, rule)
	}
	return res, rows.Err()
}

func loadMessages(ctx context.Context, q querier, status string) ([]domain.Message, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,persona,text,ts FROM messages WHERE status=? ORDER BY position`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		var persona string
		if err := rows.Scan(&m.ID, &persona, &m.Text, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Persona = domain.Persona(persona)
		res = append(res, m)
	}
	return res, rows.Err()
}

func loadBuffer(ctx context.Context, q querier) ([]domain.PendingTrigger, error) {
	rows, err := q.QueryContext(ctx, `SELECT trigger_type,persona FROM pending_triggers ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.PendingTrigger{}
	for rows.Next() {
		var trig, persona string
		if err := rows.Scan(&trig, &persona); err != nil {
			return nil, err
		}
		res = append(res, domain.PendingTrigger{Trigger: domain.Trigger(trig), Persona: domain.Persona(persona)})
	}
	return res, rows.Err()
}

// EventFilters narrows LatestEvents. Cursor returns events older than the
// given id.
type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	Cursor     int64
}

func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
