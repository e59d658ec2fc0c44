package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"innervoice/internal/config"
	"innervoice/internal/db"
	"innervoice/internal/domain"
	"innervoice/internal/engine"
	"innervoice/internal/migrate"
	"innervoice/internal/repo"
	"innervoice/internal/voice"
)

type firstPick struct{}

func (firstPick) IntN(int) int { return 0 }

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	ctx := context.Background()
	eng, err := engine.New(ctx, conn, config.Default(), zaptest.NewLogger(t))
	require.NoError(t, err)
	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	n := 0
	eng.Now = now
	eng.NewID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	eng.Narrator.Pick = firstPick{}
	eng.Narrator.Now = now
	eng.Voice = voice.Offline{Quotes: eng.Narrator.Quotes, Pick: firstPick{}}
	eng.FlushDelay = 0
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) state(t *testing.T) domain.State {
	t.Helper()
	st, err := env.Engine.State(env.Ctx)
	require.NoError(t, err)
	return st
}

// drain advances until nothing is pending.
func (env testEnv) drain(t *testing.T) {
	t.Helper()
	for len(env.state(t).Pending) > 0 {
		_, err := env.Engine.Advance(env.Ctx)
		require.NoError(t, err)
	}
}

func TestOpenGreetsOnlyOnce(t *testing.T) {
	env := newTestEnv(t)
	st, err := env.Engine.Open(env.Ctx)
	require.NoError(t, err)
	require.Len(t, st.Pending, 1)
	assert.Equal(t, domain.InlandEmpire, st.Pending[0].Persona)

	st, err = env.Engine.Open(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, st.Pending, 1)

	env.drain(t)
	st, err = env.Engine.Open(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Pending)
	assert.Len(t, st.History, 1)
}

func TestAddTaskNarratesAndPrepends(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.AddTask(env.Ctx, "  write report ", domain.Medium)
	require.NoError(t, err)
	assert.Equal(t, "write report", first.Text)
	assert.Equal(t, domain.Money(2500), first.RewardValue)

	second, err := env.Engine.AddTask(env.Ctx, "call mom", "")
	require.NoError(t, err)
	assert.Equal(t, domain.Easy, second.Difficulty)
	assert.Equal(t, domain.Money(1000), second.RewardValue)

	st := env.state(t)
	require.Len(t, st.Tasks, 2)
	assert.Equal(t, second.ID, st.Tasks[0].ID)
	require.Len(t, st.Pending, 2)
	assert.Equal(t, domain.Logic, st.Pending[0].Persona)

	_, err = env.Engine.AddTask(env.Ctx, "   ", domain.Easy)
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
}

// A single Empathy rule for completion replaces the default Volition line.
func TestCompleteTaskUsesRule(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AddRule(env.Ctx, domain.TriggerTaskComplete, domain.Empathy, "干得好")
	require.NoError(t, err)
	task, err := env.Engine.AddTask(env.Ctx, "dishes", domain.Easy)
	require.NoError(t, err)
	env.drain(t)

	_, err = env.Engine.ToggleTask(env.Ctx, task.ID)
	require.NoError(t, err)
	st := env.state(t)
	require.Len(t, st.Pending, 1)
	assert.Equal(t, domain.Empathy, st.Pending[0].Persona)
	assert.Equal(t, "干得好", st.Pending[0].Text)
	assert.Equal(t, domain.Money(1000), st.Balance)
}

func TestBuyRewardChorus(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AddRule(env.Ctx, domain.TriggerRewardBuy, domain.Electrochemistry, "more")
	require.NoError(t, err)
	_, err = env.Engine.AddRule(env.Ctx, domain.TriggerRewardBuy, domain.Authority, "mine")
	require.NoError(t, err)
	task, err := env.Engine.AddTask(env.Ctx, "run", domain.Hard)
	require.NoError(t, err)
	_, err = env.Engine.ToggleTask(env.Ctx, task.ID)
	require.NoError(t, err)
	reward, err := env.Engine.AddReward(env.Ctx, "cake", 1500)
	require.NoError(t, err)
	env.drain(t)

	_, err = env.Engine.BuyReward(env.Ctx, reward.ID)
	require.NoError(t, err)
	st := env.state(t)
	assert.Equal(t, domain.Money(3500), st.Balance)
	require.Len(t, st.Pending, 2)
	// Rules are newest first.
	assert.Equal(t, domain.Authority, st.Pending[0].Persona)
	assert.Equal(t, domain.Electrochemistry, st.Pending[1].Persona)

	before := len(st.History)
	_, err = env.Engine.Advance(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, env.state(t).Pending, 1)
	_, err = env.Engine.Advance(env.Ctx)
	require.NoError(t, err)
	st = env.state(t)
	assert.Empty(t, st.Pending)
	assert.Len(t, st.History, before+2)
}

func TestBuyRewardInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.AddTask(env.Ctx, "stretch", domain.Trivial)
	require.NoError(t, err)
	_, err = env.Engine.ToggleTask(env.Ctx, task.ID)
	require.NoError(t, err)
	reward, err := env.Engine.AddReward(env.Ctx, "movie", 1000)
	require.NoError(t, err)
	env.drain(t)

	_, err = env.Engine.BuyReward(env.Ctx, reward.ID)
	require.ErrorIs(t, err, engine.ErrInsufficientFunds)
	st := env.state(t)
	assert.Equal(t, domain.Money(500), st.Balance)
	require.Len(t, st.Pending, 1)
	assert.Equal(t, domain.Logic, st.Pending[0].Persona)
	assert.Equal(t, engine.InsufficientFundsLine, st.Pending[0].Text)

	evts, err := env.Engine.Events(env.Ctx, 1, repo.EventFilters{})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "reward.denied", evts[0].Type)

	// Focused: refused silently.
	env.drain(t)
	_, err = env.Engine.EnterFocus(env.Ctx)
	require.NoError(t, err)
	_, err = env.Engine.BuyReward(env.Ctx, reward.ID)
	require.ErrorIs(t, err, engine.ErrInsufficientFunds)
	st = env.state(t)
	assert.Empty(t, st.Pending)
	assert.Empty(t, st.Buffer)
	assert.Equal(t, domain.Money(500), st.Balance)
}

func TestToggleHardTaskIsExactInverse(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.AddTask(env.Ctx, "marathon", domain.Hard)
	require.NoError(t, err)
	assert.Equal(t, domain.Money(5000), task.RewardValue)
	before := env.state(t).Balance

	done, err := env.Engine.ToggleTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, done.Completed)
	assert.Equal(t, before+5000, env.state(t).Balance)
	pending := len(env.state(t).Pending)

	reopened, err := env.Engine.ToggleTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, reopened.Completed)
	st := env.state(t)
	assert.Equal(t, before, st.Balance)
	assert.Len(t, st.Pending, pending, "reopening is silent")
}

func TestReopenCanGoNegative(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.AddTask(env.Ctx, "a", domain.Impossible)
	require.NoError(t, err)
	reward, err := env.Engine.AddReward(env.Ctx, "b", 10000)
	require.NoError(t, err)
	_, err = env.Engine.ToggleTask(env.Ctx, task.ID)
	require.NoError(t, err)
	_, err = env.Engine.BuyReward(env.Ctx, reward.ID)
	require.NoError(t, err)
	_, err = env.Engine.ToggleTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Money(-10000), env.state(t).Balance)
}

func TestFocusDefersAndFlushDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.EnterFocus(env.Ctx)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := env.Engine.AddTask(env.Ctx, fmt.Sprintf("t%d", i), domain.Easy)
		require.NoError(t, err)
	}
	st := env.state(t)
	assert.Equal(t, domain.Focused, st.Mode)
	assert.Empty(t, st.Pending)
	assert.Len(t, st.Buffer, 3)

	st, err = env.Engine.ReturnToHub(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Unfocused, st.Mode)
	assert.Empty(t, st.Buffer)
	require.Len(t, st.Pending, 1)
	assert.Equal(t, domain.Logic, st.Pending[0].Persona)
}

func TestUnfocusLeavesBufferForFlush(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.EnterFocus(env.Ctx)
	require.NoError(t, err)
	_, err = env.Engine.AddTask(env.Ctx, "x", domain.Easy)
	require.NoError(t, err)

	st, err := env.Engine.Unfocus(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, st.Buffer, 1)
	assert.Empty(t, st.Pending)

	st, err = env.Engine.Flush(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Buffer)
	assert.Len(t, st.Pending, 1)

	st, err = env.Engine.Flush(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, st.Pending, 1)
}

func TestDelayedReturnFlushesLater(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.FlushDelay = 10 * time.Millisecond
	_, err := env.Engine.EnterFocus(env.Ctx)
	require.NoError(t, err)
	_, err = env.Engine.AddTask(env.Ctx, "x", domain.Easy)
	require.NoError(t, err)

	st, err := env.Engine.ReturnToHub(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, st.Buffer, 1)
	assert.Eventually(t, func() bool {
		st, err := env.Engine.State(env.Ctx)
		return err == nil && len(st.Buffer) == 0 && len(st.Pending) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeleteAndNotFound(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.AddTask(env.Ctx, "x", domain.Easy)
	require.NoError(t, err)
	require.NoError(t, env.Engine.DeleteTask(env.Ctx, task.ID))
	assert.Empty(t, env.state(t).Tasks)
	assert.ErrorIs(t, env.Engine.DeleteTask(env.Ctx, task.ID), repo.ErrNotFound)

	_, err = env.Engine.ToggleTask(env.Ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.BuyReward(env.Ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.ErrorIs(t, env.Engine.DeleteReward(env.Ctx, "missing"), repo.ErrNotFound)
	assert.ErrorIs(t, env.Engine.DeleteRule(env.Ctx, "missing"), repo.ErrNotFound)

	rule, err := env.Engine.AddRule(env.Ctx, domain.TriggerTaskAdd, domain.Volition, "go")
	require.NoError(t, err)
	rules, err := env.Engine.ListRules(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.Rule{rule}, rules)
	require.NoError(t, env.Engine.DeleteRule(env.Ctx, rule.ID))
	assert.Empty(t, env.state(t).Rules)
}

func TestAddValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AddReward(env.Ctx, "free", 0)
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.AddRule(env.Ctx, "NOPE", domain.Logic, "x")
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.AddRule(env.Ctx, domain.TriggerTaskAdd, "Shivers", "x")
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.AddRule(env.Ctx, domain.TriggerTaskAdd, domain.Logic, "")
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.AddTask(env.Ctx, "x", "Legendary")
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
	assert.Empty(t, env.state(t).Tasks)
}

func TestOpenFlushesLeftoverBuffer(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.EnterFocus(env.Ctx)
	require.NoError(t, err)
	_, err = env.Engine.AddTask(env.Ctx, "write", domain.Easy)
	require.NoError(t, err)
	// Leaving focus without the deferred flush, as when the process exits first.
	_, err = env.Engine.Unfocus(env.Ctx)
	require.NoError(t, err)
	require.Len(t, env.state(t).Buffer, 1)

	st, err := env.Engine.Open(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Buffer)
	require.Len(t, st.Pending, 1)
	assert.Equal(t, domain.Logic, st.Pending[0].Persona)

	evts, err := env.Engine.Events(env.Ctx, 1, repo.EventFilters{})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "dialogue.flush", evts[0].Type)
}

func TestAdvanceEmptyWritesNoEvent(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Advance(env.Ctx)
	require.NoError(t, err)
	evts, err := env.Engine.Events(env.Ctx, 10, repo.EventFilters{})
	require.NoError(t, err)
	assert.Empty(t, evts)
}

type cannedVoice string

func (c cannedVoice) Generate(context.Context, voice.Request) string { return string(c) }

func TestConsultQueuesEvenWhenFocused(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Voice = cannedVoice("钱就是力量")
	_, err := env.Engine.EnterFocus(env.Ctx)
	require.NoError(t, err)

	msg, err := env.Engine.Consult(env.Ctx, domain.Authority, "buy", "cake")
	require.NoError(t, err)
	assert.Equal(t, domain.Authority, msg.Persona)
	st := env.state(t)
	require.Len(t, st.Pending, 1)
	assert.Equal(t, msg, st.Pending[0])
	assert.Equal(t, "钱就是力量", st.Pending[0].Text)

	_, err = env.Engine.Consult(env.Ctx, "Shivers", "x", "")
	assert.True(t, errors.Is(err, engine.ErrInvalidInput))
}

func TestEventsRecordOperations(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.AddTask(env.Ctx, "x", domain.Easy)
	require.NoError(t, err)
	_, err = env.Engine.ToggleTask(env.Ctx, task.ID)
	require.NoError(t, err)

	evts, err := env.Engine.Events(env.Ctx, 0, repo.EventFilters{EntityID: task.ID})
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "task.complete", evts[0].Type)
	assert.Equal(t, "task.create", evts[1].Type)
	assert.Equal(t, "2024-01-01T00:00:00Z", evts[0].TS)
}

func TestRewardValueFromConfig(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, domain.Money(10000), env.Engine.RewardValue(domain.Impossible))
	assert.Equal(t, domain.DefaultRewardValue, env.Engine.RewardValue("Weird"))

	var zero engine.Engine
	assert.Equal(t, domain.Money(500), zero.RewardValue(domain.Trivial))
}
