package innervoicesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Inner Voice HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client for the API served at baseURL under /v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Task is a to-do item. Money values are decimal strings such as "12.50".
type Task struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	Completed   bool   `json:"completed"`
	CreatedAt   int64  `json:"created_at"`
	Difficulty  string `json:"difficulty"`
	RewardValue string `json:"reward_value"`
}

type Reward struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Cost string `json:"cost"`
}

// Rule is a custom line a persona says when a trigger fires.
type Rule struct {
	ID      string `json:"id"`
	Trigger string `json:"trigger"`
	Persona string `json:"persona"`
	Text    string `json:"text"`
}

type Message struct {
	ID        string `json:"id"`
	Persona   string `json:"persona"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Dialogue is the active line, if any, and what has been read so far.
type Dialogue struct {
	Active  *Message  `json:"active,omitempty"`
	Label   string    `json:"label,omitempty"`
	Pending int       `json:"pending"`
	History []Message `json:"history"`
}

type Stats struct {
	Intellect int `json:"intellect"`
	Psyche    int `json:"psyche"`
	Physique  int `json:"physique"`
	Motorics  int `json:"motorics"`
}

type State struct {
	Balance  string   `json:"balance"`
	Mode     string   `json:"mode"`
	Buffered int      `json:"buffered"`
	Stats    Stats    `json:"stats"`
	Tasks    []Task   `json:"tasks"`
	Rewards  []Reward `json:"rewards"`
	Rules    []Rule   `json:"rules"`
	Dialogue Dialogue `json:"dialogue"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is taken from the error envelope
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsInsufficientFunds reports whether err is a refused purchase.
func IsInsufficientFunds(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "insufficient_funds"
}

// State returns the whole application state.
func (c *Client) State(ctx context.Context) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodGet, "state", nil, &resp)
	return resp, err
}

// CreateTask adds a task. An empty difficulty is Easy.
func (c *Client) CreateTask(ctx context.Context, text, difficulty string) (Task, error) {
	body := map[string]any{"text": text}
	if difficulty != "" {
		body["difficulty"] = difficulty
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

// ToggleTask completes a task, or reopens it if it was completed.
func (c *Client) ToggleTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/toggle", url.PathEscape(id)), nil, &resp)
	return resp, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "tasks/"+url.PathEscape(id), nil, nil)
}

// CreateReward adds a reward priced at cost, e.g. "12.50".
func (c *Client) CreateReward(ctx context.Context, text, cost string) (Reward, error) {
	body := map[string]any{"text": text, "cost": cost}
	var resp Reward
	err := c.do(ctx, http.MethodPost, "rewards", body, &resp)
	return resp, err
}

// BuyReward spends the balance on a reward. Use IsInsufficientFunds to tell a
// refusal from other failures.
func (c *Client) BuyReward(ctx context.Context, id string) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("rewards/%s/buy", url.PathEscape(id)), nil, &resp)
	return resp, err
}

func (c *Client) DeleteReward(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "rewards/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Rules(ctx context.Context) ([]Rule, error) {
	var resp struct {
		Items []Rule `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "rules", nil, &resp)
	return resp.Items, err
}

// CreateRule registers a custom line. Trigger and persona accept the same
// aliases as the CLI.
func (c *Client) CreateRule(ctx context.Context, trigger, persona, text string) (Rule, error) {
	body := map[string]any{"trigger": trigger, "persona": persona, "text": text}
	var resp Rule
	err := c.do(ctx, http.MethodPost, "rules", body, &resp)
	return resp, err
}

func (c *Client) DeleteRule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "rules/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Dialogue(ctx context.Context) (Dialogue, error) {
	var resp Dialogue
	err := c.do(ctx, http.MethodGet, "dialogue", nil, &resp)
	return resp, err
}

// Advance marks the active line as read.
func (c *Client) Advance(ctx context.Context) (Dialogue, error) {
	var resp Dialogue
	err := c.do(ctx, http.MethodPost, "dialogue/advance", nil, &resp)
	return resp, err
}

// EnterFocus holds narration back until ReturnToHub.
func (c *Client) EnterFocus(ctx context.Context) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodPost, "focus", nil, &resp)
	return resp, err
}

func (c *Client) ReturnToHub(ctx context.Context) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodPost, "focus/return", nil, &resp)
	return resp, err
}

// Consult asks a persona to comment on action.
func (c *Client) Consult(ctx context.Context, persona, action, details string) (Message, error) {
	body := map[string]any{"persona": persona, "action": action}
	if details != "" {
		body["details"] = details
	}
	var resp Message
	err := c.do(ctx, http.MethodPost, "voice", body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
