package innervoicesdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"innervoice/internal/config"
	"innervoice/internal/db"
	"innervoice/internal/engine"
	"innervoice/internal/migrate"
	"innervoice/internal/server"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	log := zaptest.NewLogger(t)
	e, err := engine.New(context.Background(), conn, config.Default(), log)
	require.NoError(t, err)
	e.FlushDelay = 0
	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0", Log: log})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func TestTaskAndRewardRoundTrip(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	task, err := c.CreateTask(ctx, "Write report", "Hard")
	require.NoError(t, err)
	assert.Equal(t, "Hard", task.Difficulty)
	assert.Equal(t, "50.00", task.RewardValue)

	done, err := c.ToggleTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, done.Completed)

	reward, err := c.CreateReward(ctx, "Coffee", "45.00")
	require.NoError(t, err)
	st, err := c.BuyReward(ctx, reward.ID)
	require.NoError(t, err)
	assert.Equal(t, "5.00", st.Balance)

	_, err = c.BuyReward(ctx, reward.ID)
	require.Error(t, err)
	assert.True(t, IsInsufficientFunds(err))

	require.NoError(t, c.DeleteReward(ctx, reward.ID))
	require.NoError(t, c.DeleteTask(ctx, task.ID))
	st, err = c.State(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Tasks)
	assert.Empty(t, st.Rewards)
}

func TestDialogueAndFocus(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	rule, err := c.CreateRule(ctx, "TASK_ADD", "Empathy", "你很在乎这件事。")
	require.NoError(t, err)
	rules, err := c.Rules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, rule.ID, rules[0].ID)

	st, err := c.EnterFocus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "focused", st.Mode)
	_, err = c.CreateTask(ctx, "Call mum", "")
	require.NoError(t, err)
	dlg, err := c.Dialogue(ctx)
	require.NoError(t, err)
	assert.Nil(t, dlg.Active)

	st, err = c.ReturnToHub(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Dialogue.Active)
	assert.Equal(t, "你很在乎这件事。", st.Dialogue.Active.Text)
	assert.Equal(t, "end", st.Dialogue.Label)

	dlg, err = c.Advance(ctx)
	require.NoError(t, err)
	assert.Nil(t, dlg.Active)
	assert.Len(t, dlg.History, 1)

	msg, err := c.Consult(ctx, "Logic", "opened the fridge", "")
	require.NoError(t, err)
	assert.Equal(t, "Logic", msg.Persona)
	assert.NotEmpty(t, msg.Text)

	require.NoError(t, c.DeleteRule(ctx, rule.ID))
}

func TestEventsPagination(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	for _, text := range []string{"a", "b", "c"} {
		_, err := c.CreateTask(ctx, text, "")
		require.NoError(t, err)
	}
	page, err := c.EventsPage(ctx, 2, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	rest, err := c.EventsPage(ctx, 2, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, rest.Items, 1)
	assert.Equal(t, "task.create", rest.Items[0].Type)
	assert.Empty(t, rest.NextCursor)
}

func TestAPIErrorWithoutEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	defer srv.Close()
	c := New(srv.URL)
	_, err := c.State(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Empty(t, apiErr.Code)
	assert.False(t, IsInsufficientFunds(err))
}
