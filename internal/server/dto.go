package server

import (
	"encoding/json"

	"innervoice/internal/domain"
	"innervoice/internal/narrator"
)

// Request payloads

type CreateTaskRequest struct {
	Text       string `json:"text" minLength:"1"`
	Difficulty string `json:"difficulty,omitempty" enum:"Trivial,Easy,Medium,Hard,Impossible"`
}

type CreateRewardRequest struct {
	Text string `json:"text" minLength:"1"`
	Cost string `json:"cost" example:"10.00"`
}

type CreateRuleRequest struct {
	Trigger string `json:"trigger" example:"TASK_COMPLETE"`
	Persona string `json:"persona" example:"Empathy"`
	Text    string `json:"text" minLength:"1"`
}

type ConsultRequest struct {
	Persona string `json:"persona" example:"Electrochemistry"`
	Action  string `json:"action" example:"bought a reward"`
	Details string `json:"details,omitempty"`
}

// Response payloads

type TaskResponse struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	Completed   bool   `json:"completed"`
	CreatedAt   int64  `json:"created_at"`
	Difficulty  string `json:"difficulty"`
	RewardValue string `json:"reward_value"`
}

type RewardResponse struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Cost string `json:"cost"`
}

type RuleResponse struct {
	ID      string `json:"id"`
	Trigger string `json:"trigger"`
	Persona string `json:"persona"`
	Text    string `json:"text"`
}

type MessageResponse struct {
	ID        string `json:"id"`
	Persona   string `json:"persona"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type DialogueResponse struct {
	Active  *MessageResponse  `json:"active,omitempty"`
	Label   string            `json:"label,omitempty" enum:"continue,end"`
	Pending int               `json:"pending"`
	History []MessageResponse `json:"history"`
}

type StatsResponse struct {
	Intellect int `json:"intellect"`
	Psyche    int `json:"psyche"`
	Physique  int `json:"physique"`
	Motorics  int `json:"motorics"`
}

type StateResponse struct {
	Balance  string           `json:"balance"`
	Mode     string           `json:"mode" enum:"unfocused,focused"`
	Buffered int              `json:"buffered"`
	Stats    StatsResponse    `json:"stats"`
	Tasks    []TaskResponse   `json:"tasks"`
	Rewards  []RewardResponse `json:"rewards"`
	Rules    []RuleResponse   `json:"rules"`
	Dialogue DialogueResponse `json:"dialogue"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type rulesList struct {
	Items []RuleResponse `json:"items"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		Text:        t.Text,
		Completed:   t.Completed,
		CreatedAt:   t.CreatedAt,
		Difficulty:  string(t.Difficulty),
		RewardValue: t.RewardValue.Decimal(),
	}
}

func rewardResponse(r domain.Reward) RewardResponse {
	return RewardResponse{ID: r.ID, Text: r.Text, Cost: r.Cost.Decimal()}
}

func ruleResponse(r domain.Rule) RuleResponse {
	return RuleResponse{ID: r.ID, Trigger: string(r.Trigger), Persona: string(r.Persona), Text: r.Text}
}

func messageResponse(m domain.Message) MessageResponse {
	return MessageResponse{ID: m.ID, Persona: string(m.Persona), Text: m.Text, Timestamp: m.Timestamp}
}

func mapRules(items []domain.Rule) []RuleResponse {
	out := make([]RuleResponse, 0, len(items))
	for _, r := range items {
		out = append(out, ruleResponse(r))
	}
	return out
}

func mapMessages(items []domain.Message) []MessageResponse {
	out := make([]MessageResponse, 0, len(items))
	for _, m := range items {
		out = append(out, messageResponse(m))
	}
	return out
}

func dialogueResponse(st domain.State) DialogueResponse {
	q := narrator.Queue{Pending: st.Pending, History: st.History}
	resp := DialogueResponse{Pending: q.Depth(), History: mapMessages(st.History)}
	if active, ok := q.Active(); ok {
		m := messageResponse(active)
		resp.Active = &m
		resp.Label = q.AdvanceLabel()
	}
	return resp
}

func stateResponse(st domain.State) StateResponse {
	resp := StateResponse{
		Balance:  st.Balance.Decimal(),
		Mode:     string(st.Mode),
		Buffered: len(st.Buffer),
		Stats: StatsResponse{
			Intellect: st.Stats.Intellect,
			Psyche:    st.Stats.Psyche,
			Physique:  st.Stats.Physique,
			Motorics:  st.Stats.Motorics,
		},
		Tasks:    make([]TaskResponse, 0, len(st.Tasks)),
		Rewards:  make([]RewardResponse, 0, len(st.Rewards)),
		Rules:    mapRules(st.Rules),
		Dialogue: dialogueResponse(st),
	}
	for _, t := range st.Tasks {
		resp.Tasks = append(resp.Tasks, taskResponse(t))
	}
	for _, r := range st.Rewards {
		resp.Rewards = append(resp.Rewards, rewardResponse(r))
	}
	return resp
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    payload,
	}
}
