package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"innervoice/internal/config"
	"innervoice/internal/domain"
	"innervoice/internal/events"
	"innervoice/internal/narrator"
	"innervoice/internal/repo"
	"innervoice/internal/voice"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// InsufficientFundsLine is what Logic says when a purchase is refused.
const InsufficientFundsLine = "余额不足。这是基本的数学问题。"

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	EventWriter events.Writer
	Config      *config.Config
	Narrator    narrator.Machine
	Voice       voice.Generator
	Log         *zap.Logger
	Now         func() time.Time
	NewID       func() string
	FlushDelay  time.Duration

	difficulties map[domain.Difficulty]domain.Money
	mu           *sync.Mutex
}

// New wires an Engine from a migrated database and a validated config.
func New(ctx context.Context, db *sql.DB, cfg *config.Config, log *zap.Logger) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	difficulties, err := cfg.DifficultyValues()
	if err != nil {
		return Engine{}, err
	}
	extra, err := cfg.ExtraQuotes()
	if err != nil {
		return Engine{}, err
	}
	quotes := narrator.DefaultQuotes().With(extra)
	if err := quotes.Validate(); err != nil {
		return Engine{}, err
	}
	machine := narrator.NewMachine(quotes, cfg.Narration.Seed)
	return Engine{
		DB:           db,
		Repo:         repo.Repo{DB: db},
		EventWriter:  events.Writer{},
		Config:       cfg,
		Narrator:     machine,
		Voice:        voice.New(ctx, cfg, voice.Offline{Quotes: quotes, Pick: machine.Pick}, log),
		Log:          log,
		Now:          time.Now,
		NewID:        uuid.NewString,
		FlushDelay:   cfg.FlushDelay(),
		difficulties: difficulties,
		mu:           &sync.Mutex{},
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e Engine) lock() func() {
	if e.mu == nil {
		return func() {}
	}
	e.mu.Lock()
	return e.mu.Unlock
}

// change describes what a state transition did, for the event log. Err is
// returned to the caller after the transition has been committed.
type change struct {
	events.Record
	Err error
}

// apply loads the state, runs fn, and saves the result together with its
// event in one transaction. Operations are serialized so each one sees the
// state left by the previous one.
func (e Engine) apply(ctx context.Context, fn func(st *domain.State) (change, error)) (domain.State, error) {
	defer e.lock()()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.State{}, err
	}
	defer tx.Rollback()

	st, _, err := e.Repo.LoadStateTx(ctx, tx)
	if err != nil {
		return domain.State{}, fmt.Errorf("load state: %w", err)
	}
	ch, err := fn(&st)
	if err != nil {
		return domain.State{}, err
	}
	if err := e.Repo.SaveStateTx(ctx, tx, st); err != nil {
		return domain.State{}, fmt.Errorf("save state: %w", err)
	}
	if ch.Type != "" {
		if e.EventWriter.Now == nil {
			e.EventWriter.Now = e.now
		}
		if err := e.EventWriter.Append(ctx, tx, ch.Record); err != nil {
			return domain.State{}, fmt.Errorf("append event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.State{}, err
	}
	e.log().Debug("state saved",
		zap.String("event", string(ch.Type)),
		zap.String("entity_id", ch.EntityID),
		zap.Int("pending", len(st.Pending)),
		zap.Int("buffered", len(st.Buffer)),
		zap.String("balance", st.Balance.String()))
	return st, ch.Err
}

// narrate runs a narrator transition against the narration part of st.
func narrate(st *domain.State, fn func(narrator.State) narrator.State) {
	ns := fn(narrator.State{
		Rules:  st.Rules,
		Queue:  narrator.Queue{Pending: st.Pending, History: st.History},
		Mode:   st.Mode,
		Buffer: st.Buffer,
	})
	st.Rules = nonNil(ns.Rules)
	st.Pending = nonNil(ns.Queue.Pending)
	st.History = nonNil(ns.Queue.History)
	st.Mode = ns.Mode
	st.Buffer = nonNil(ns.Buffer)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (e Engine) raise(st *domain.State, t domain.Trigger, p domain.Persona) {
	narrate(st, func(ns narrator.State) narrator.State { return e.Narrator.Raise(ns, t, p) })
}

// State returns the current application state.
func (e Engine) State(ctx context.Context) (domain.State, error) {
	st, _, err := e.Repo.LoadState(ctx)
	return st, err
}

// Open greets the user on a fresh workspace: Inland Empire speaks when
// nothing has ever been said. Triggers left buffered by a flush that never
// ran (the process exited during the delay) are flushed instead.
func (e Engine) Open(ctx context.Context) (domain.State, error) {
	return e.apply(ctx, func(st *domain.State) (change, error) {
		if st.Mode == domain.Unfocused && len(st.Buffer) > 0 {
			buffered := len(st.Buffer)
			narrate(st, func(ns narrator.State) narrator.State { return e.Narrator.Flush(ns) })
			return change{Record: events.Record{Type: events.DialogueFlush, EntityKind: events.KindApp, Payload: events.EventPayload{"buffered": buffered}}}, nil
		}
		if len(st.History) > 0 || len(st.Pending) > 0 {
			return change{}, nil
		}
		e.raise(st, domain.TriggerAppOpen, domain.InlandEmpire)
		return change{Record: events.Record{Type: events.AppOpen, EntityKind: events.KindApp}}, nil
	})
}

// RewardValue is the amount credited for completing a task of difficulty d.
func (e Engine) RewardValue(d domain.Difficulty) domain.Money {
	values := e.difficulties
	if values == nil {
		values = domain.DefaultDifficultyValues()
	}
	if v, ok := values[d]; ok {
		return v
	}
	return domain.DefaultRewardValue
}

func (e Engine) AddTask(ctx context.Context, text string, d domain.Difficulty) (domain.Task, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Task{}, fmt.Errorf("%w: task text is required", ErrInvalidInput)
	}
	if d == "" {
		d = domain.Easy
	}
	if !d.Valid() {
		return domain.Task{}, fmt.Errorf("%w: unknown difficulty %q", ErrInvalidInput, d)
	}
	t := domain.Task{
		ID:          e.newID(),
		Text:        text,
		CreatedAt:   e.now().UnixMilli(),
		Difficulty:  d,
		RewardValue: e.RewardValue(d),
	}
	_, err := e.apply(ctx, func(st *domain.State) (change, error) {
		st.Tasks = append([]domain.Task{t}, st.Tasks...)
		e.raise(st, domain.TriggerTaskAdd, "")
		return change{Record: events.Record{Type: events.TaskCreate, EntityKind: events.KindTask, EntityID: t.ID,
			Payload: events.EventPayload{"text": t.Text, "difficulty": t.Difficulty, "reward_value": int64(t.RewardValue)}}}, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ToggleTask completes an open task, crediting its reward value, or reopens a
// completed one, debiting the same value.
func (e Engine) ToggleTask(ctx context.Context, id string) (domain.Task, error) {
	var out domain.Task
	_, err := e.apply(ctx, func(st *domain.State) (change, error) {
		idx := findTask(st.Tasks, id)
		if idx < 0 {
			return change{}, fmt.Errorf("task %s: %w", id, repo.ErrNotFound)
		}
		tasks := append([]domain.Task(nil), st.Tasks...)
		t := tasks[idx]
		if t.Completed {
			t.Completed = false
			st.Balance -= t.RewardValue
			tasks[idx] = t
			st.Tasks = tasks
			out = t
			return change{Record: events.Record{Type: events.TaskReopen, EntityKind: events.KindTask, EntityID: t.ID,
				Payload: events.EventPayload{"debit": int64(t.RewardValue), "balance": int64(st.Balance)}}}, nil
		}
		t.Completed = true
		st.Balance += t.RewardValue
		tasks[idx] = t
		st.Tasks = tasks
		out = t
		e.raise(st, domain.TriggerTaskComplete, "")
		return change{Record: events.Record{Type: events.TaskComplete, EntityKind: events.KindTask, EntityID: t.ID,
			Payload: events.EventPayload{"credit": int64(t.RewardValue), "balance": int64(st.Balance)}}}, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return out, nil
}

func (e Engine) DeleteTask(ctx context.Context, id string) error {
	_, err := e.apply(ctx, func(st *domain.State) (change, error) {
		idx := findTask(st.Tasks, id)
		if idx < 0 {
			return change{}, fmt.Errorf("task %s: %w", id, repo.ErrNotFound)
		}
		st.Tasks = removeAt(st.Tasks, idx)
		return change{Record: events.Record{Type: events.TaskDelete, EntityKind: events.KindTask, EntityID: id}}, nil
	})
	return err
}

func (e Engine) AddReward(ctx context.Context, text string, cost domain.Money) (domain.Reward, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Reward{}, fmt.Errorf("%w: reward text is required", ErrInvalidInput)
	}
	if cost <= 0 {
		return domain.Reward{}, fmt.Errorf("%w: reward cost must be positive", ErrInvalidInput)
	}
	rw := domain.Reward{ID: e.newID(), Text: text, Cost: cost}
	_, err := e.apply(ctx, func(st *domain.State) (change, error) {
		st.Rewards = append(append([]domain.Reward(nil), st.Rewards...), rw)
		return change{Record: events.Record{Type: events.RewardCreate, EntityKind: events.KindReward, EntityID: rw.ID,
			Payload: events.EventPayload{"text": rw.Text, "cost": int64(rw.Cost)}}}, nil
	})
	if err != nil {
		return domain.Reward{}, err
	}
	return rw, nil
}

// BuyReward spends the reward's cost. When the balance is short the purchase
// is refused with ErrInsufficientFunds and the balance is left alone.
func (e Engine) BuyReward(ctx context.Context, id string) (domain.Reward, error) {
	var out domain.Reward
	_, err := e.apply(ctx, func(st *domain.State) (change, error) {
		idx := findReward(st.Rewards, id)
		if idx < 0 {
			return change{}, fmt.Errorf("reward %s: %w", id, repo.ErrNotFound)
		}
		out = st.Rewards[idx]
		if st.Balance < out.Cost {
			if st.Mode != domain.Focused {
				narrate(st, func(ns narrator.State) narrator.State {
					return e.Narrator.Enqueue(ns, []narrator.Reaction{{Persona: domain.Logic, Text: InsufficientFundsLine}})
				})
			}
			return change{
				Record: events.Record{Type: events.RewardDenied, EntityKind: events.KindReward, EntityID: out.ID,
					Payload: events.EventPayload{"cost": int64(out.Cost), "balance": int64(st.Balance)}},
				Err: fmt.Errorf("reward %q costs %s, balance is %s: %w", out.Text, out.Cost, st.Balance, ErrInsufficientFunds),
			}, nil
		}
		st.Balance -= out.Cost
		e.raise(st, domain.TriggerRewardBuy, "")
		return change{Record: events.Record{Type: events.RewardBuy, EntityKind: events.KindReward, EntityID: out.ID,
			Payload: events.EventPayload{"cost": int64(out.Cost), "balance": int64(st.Balance)}}}, nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

func (e Engine) DeleteReward(ctx context.Context, id string) error {
	_, err := e.apply(ctx, func(st *domain.State) (change, error) {
		idx := findReward(st.Rewards, id)
		if idx < 0 {
			return change{}, fmt.Errorf("reward %s: %w", id, repo.ErrNotFound)
		}
		st.Rewards = removeAt(st.Rewards, idx)
		return change{Record: events.Record{Type: events.RewardDelete, EntityKind: events.KindReward, EntityID: id}}, nil
	})
	return err
}

// AddRule puts a new rule at the front of the rule store.
func (e Engine) AddRule(ctx context.Context, t domain.Trigger, p domain.Persona, text string) (domain.Rule, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Rule{}, fmt.Errorf("%w: rule text is required", ErrInvalidInput)
	}
	if !t.Valid() {
		return domain.Rule{}, fmt.Errorf("%w: unknown trigger %q", ErrInvalidInput, t)
	}
	if !p.Valid() {
		return domain.Rule{}, fmt.Errorf("%w: unknown persona %q", ErrInvalidInput, p)
	}
	r := domain.Rule{ID: e.newID(), Trigger: t, Persona: p, Text: text}
	_, err := e.apply(ctx, func(st *domain.State) (change, error) {
		st.Rules = append([]domain.Rule{r}, st.Rules...)
		return change{Record: events.Record{Type: events.RuleCreate, EntityKind: events.KindRule, EntityID: r.ID,
			Payload: events.EventPayload{"trigger": r.Trigger, "persona": r.Persona}}}, nil
	})
	if err != nil {
		return domain.Rule{}, err
	}
	return r, nil
}

func (e Engine) DeleteRule(ctx context.Context, id string) error {
	_, err := e.apply(ctx, func(st *domain.State) (change, error) {
		for i, r := range st.Rules {
			if r.ID == id {
				st.Rules = removeAt(st.Rules, i)
				return change{Record: events.Record{Type: events.RuleDelete, EntityKind: events.KindRule, EntityID: id}}, nil
			}
		}
		return change{}, fmt.Errorf("rule %s: %w", id, repo.ErrNotFound)
	})
	return err
}

// ListRules returns the rule store, newest first.
func (e Engine) ListRules(ctx context.Context) ([]domain.Rule, error) {
	st, err := e.State(ctx)
	if err != nil {
		return nil, err
	}
	return st.Rules, nil
}

// Advance marks the active message as read. With nothing pending it changes
// nothing.
func (e Engine) Advance(ctx context.Context) (domain.State, error) {
	return e.apply(ctx, func(st *domain.State) (change, error) {
		active, ok := narrator.Queue{Pending: st.Pending}.Active()
		if !ok {
			return change{}, nil
		}
		narrate(st, func(ns narrator.State) narrator.State { return e.Narrator.Advance(ns) })
		return change{Record: events.Record{Type: events.DialogueAdvance, EntityKind: events.KindMessage, EntityID: active.ID}}, nil
	})
}

// EnterFocus suspends narration while the user works in a task or store view.
func (e Engine) EnterFocus(ctx context.Context) (domain.State, error) {
	return e.apply(ctx, func(st *domain.State) (change, error) {
		if st.Mode == domain.Focused {
			return change{}, nil
		}
		narrate(st, func(ns narrator.State) narrator.State { return e.Narrator.Focus(ns) })
		return change{Record: events.Record{Type: events.FocusEnter, EntityKind: events.KindApp}}, nil
	})
}

// Unfocus resumes narration without flushing deferred triggers.
func (e Engine) Unfocus(ctx context.Context) (domain.State, error) {
	return e.apply(ctx, func(st *domain.State) (change, error) {
		if st.Mode != domain.Focused {
			return change{}, nil
		}
		narrate(st, func(ns narrator.State) narrator.State { return e.Narrator.ReturnToUnfocused(ns) })
		return change{Record: events.Record{Type: events.FocusLeave, EntityKind: events.KindApp, Payload: events.EventPayload{"buffered": len(st.Buffer)}}}, nil
	})
}

// Flush narrates everything deferred while focused.
func (e Engine) Flush(ctx context.Context) (domain.State, error) {
	return e.apply(ctx, func(st *domain.State) (change, error) {
		if len(st.Buffer) == 0 {
			return change{}, nil
		}
		buffered := len(st.Buffer)
		narrate(st, func(ns narrator.State) narrator.State { return e.Narrator.Flush(ns) })
		return change{Record: events.Record{Type: events.DialogueFlush, EntityKind: events.KindApp, Payload: events.EventPayload{"buffered": buffered}}}, nil
	})
}

// ReturnToHub leaves focus mode and flushes deferred narration after
// FlushDelay. With a zero delay the flush happens before returning.
func (e Engine) ReturnToHub(ctx context.Context) (domain.State, error) {
	st, err := e.Unfocus(ctx)
	if err != nil {
		return st, err
	}
	if e.FlushDelay <= 0 {
		return e.Flush(ctx)
	}
	time.AfterFunc(e.FlushDelay, func() {
		if _, err := e.Flush(context.Background()); err != nil {
			e.log().Error("deferred flush failed", zap.Error(err))
		}
	})
	return st, nil
}

// Consult asks a persona for a free-form line about action and queues it.
func (e Engine) Consult(ctx context.Context, p domain.Persona, action, details string) (domain.Message, error) {
	if !p.Valid() {
		return domain.Message{}, fmt.Errorf("%w: unknown persona %q", ErrInvalidInput, p)
	}
	cur, err := e.State(ctx)
	if err != nil {
		return domain.Message{}, err
	}
	gen := e.Voice
	if gen == nil {
		gen = voice.Offline{Quotes: e.Narrator.Quotes, Pick: e.Narrator.Pick}
	}
	text := gen.Generate(ctx, voice.Request{Persona: p, Action: action, Details: details, Balance: cur.Balance})
	var msg domain.Message
	_, err = e.apply(ctx, func(st *domain.State) (change, error) {
		narrate(st, func(ns narrator.State) narrator.State {
			ns = e.Narrator.Enqueue(ns, []narrator.Reaction{{Persona: p, Text: text}})
			msg = ns.Queue.Pending[len(ns.Queue.Pending)-1]
			return ns
		})
		return change{Record: events.Record{Type: events.VoiceConsult, EntityKind: events.KindMessage, EntityID: msg.ID,
			Payload: events.EventPayload{"persona": p, "action": action}}}, nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

func (e Engine) Events(ctx context.Context, limit int, f repo.EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	return e.Repo.LatestEvents(ctx, limit, f)
}

func findTask(tasks []domain.Task, id string) int {
	for i, t := range tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func findReward(rewards []domain.Reward, id string) int {
	for i, r := range rewards {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func removeAt[T any](s []T, i int) []T {
	out := make([]T, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}
