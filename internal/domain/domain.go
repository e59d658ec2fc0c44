package domain

import (
	"fmt"
	"strings"
)

// Persona is one of the seven inner voices that narrate the user's actions.
type Persona string

const (
	Logic            Persona = "Logic"
	Volition         Persona = "Volition"
	InlandEmpire     Persona = "Inland Empire"
	Electrochemistry Persona = "Electrochemistry"
	Empathy          Persona = "Empathy"
	HalfLight        Persona = "Half Light"
	Authority        Persona = "Authority"
)

// Personas lists every persona in display order.
var Personas = []Persona{Logic, Volition, InlandEmpire, Electrochemistry, Empathy, HalfLight, Authority}

func (p Persona) Valid() bool {
	for _, known := range Personas {
		if p == known {
			return true
		}
	}
	return false
}

// ParsePersona accepts the display name case-insensitively, with spaces, dashes or
// underscores between words.
func ParsePersona(s string) (Persona, error) {
	key := normalizeKey(s)
	for _, p := range Personas {
		if normalizeKey(string(p)) == key {
			return p, nil
		}
	}
	return "", fmt.Errorf("invalid persona %q", s)
}

// Trigger names the class of event that may cause narration.
type Trigger string

const (
	TriggerTaskAdd      Trigger = "TASK_ADD"
	TriggerTaskComplete Trigger = "TASK_COMPLETE"
	TriggerRewardBuy    Trigger = "REWARD_BUY"
	TriggerAppOpen      Trigger = "APP_OPEN"
)

var Triggers = []Trigger{TriggerTaskAdd, TriggerTaskComplete, TriggerRewardBuy, TriggerAppOpen}

var triggerAliases = map[string]Trigger{
	"taskcreated":     TriggerTaskAdd,
	"taskcompleted":   TriggerTaskComplete,
	"rewardpurchased": TriggerRewardBuy,
	"rewardbought":    TriggerRewardBuy,
	"appopened":       TriggerAppOpen,
}

func (t Trigger) Valid() bool {
	for _, known := range Triggers {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTrigger accepts the stable identifier (TASK_ADD) or the descriptive
// alias (task-created), case-insensitively.
func ParseTrigger(s string) (Trigger, error) {
	key := normalizeKey(s)
	for _, t := range Triggers {
		if normalizeKey(string(t)) == key {
			return t, nil
		}
	}
	if t, ok := triggerAliases[key]; ok {
		return t, nil
	}
	return "", fmt.Errorf("invalid trigger %q", s)
}

func normalizeKey(s string) string {
	r := strings.NewReplacer(" ", "", "-", "", "_", "")
	return strings.ToLower(r.Replace(strings.TrimSpace(s)))
}

// Rule is a user-authored line spoken by Persona whenever Trigger fires.
type Rule struct {
	ID      string  `json:"id"`
	Trigger Trigger `json:"trigger" enum:"TASK_ADD,TASK_COMPLETE,REWARD_BUY,APP_OPEN"`
	Persona Persona `json:"persona"`
	Text    string  `json:"text"`
}

// Message is a narrated line. It is pending until shown, then read.
type Message struct {
	ID        string  `json:"id"`
	Persona   Persona `json:"persona"`
	Text      string  `json:"text"`
	Timestamp int64   `json:"timestamp"`
}

// Mode is the focus state of the narrator.
type Mode string

const (
	Unfocused Mode = "unfocused"
	Focused   Mode = "focused"
)

// PendingTrigger is a trigger raised while narration was suspended. An empty
// Persona means no persona was requested.
type PendingTrigger struct {
	Trigger Trigger `json:"trigger"`
	Persona Persona `json:"persona,omitempty"`
}

type Difficulty string

const (
	Trivial    Difficulty = "Trivial"
	Easy       Difficulty = "Easy"
	Medium     Difficulty = "Medium"
	Hard       Difficulty = "Hard"
	Impossible Difficulty = "Impossible"
)

var Difficulties = []Difficulty{Trivial, Easy, Medium, Hard, Impossible}

// DefaultRewardValue is credited for difficulties missing from the table.
const DefaultRewardValue Money = 1000

// DefaultDifficultyValues is the reward table for completed tasks.
func DefaultDifficultyValues() map[Difficulty]Money {
	return map[Difficulty]Money{
		Trivial:    500,
		Easy:       1000,
		Medium:     2500,
		Hard:       5000,
		Impossible: 10000,
	}
}

func (d Difficulty) Valid() bool {
	for _, known := range Difficulties {
		if d == known {
			return true
		}
	}
	return false
}

func ParseDifficulty(s string) (Difficulty, error) {
	key := normalizeKey(s)
	for _, d := range Difficulties {
		if normalizeKey(string(d)) == key {
			return d, nil
		}
	}
	return "", fmt.Errorf("invalid difficulty %q", s)
}

type Task struct {
	ID          string     `json:"id"`
	Text        string     `json:"text"`
	Completed   bool       `json:"completed"`
	CreatedAt   int64      `json:"created_at"`
	Difficulty  Difficulty `json:"difficulty" enum:"Trivial,Easy,Medium,Hard,Impossible"`
	RewardValue Money      `json:"reward_value"`
}

type Reward struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Cost Money  `json:"cost"`
}

type Stats struct {
	Intellect int `json:"intellect"`
	Psyche    int `json:"psyche"`
	Physique  int `json:"physique"`
	Motorics  int `json:"motorics"`
}

func DefaultStats() Stats {
	return Stats{Intellect: 3, Psyche: 4, Physique: 2, Motorics: 2}
}

// State is the whole application state as persisted between runs.
type State struct {
	Tasks   []Task           `json:"tasks"`
	Rewards []Reward         `json:"rewards"`
	Rules   []Rule           `json:"rules"`
	Pending []Message        `json:"dialogue_queue"`
	History []Message        `json:"history"`
	Balance Money            `json:"balance"`
	Stats   Stats            `json:"stats"`
	Mode    Mode             `json:"mode"`
	Buffer  []PendingTrigger `json:"pending_triggers"`
}

// InitialState is the state of a workspace that has never been saved.
func InitialState() State {
	return State{
		Tasks:   []Task{},
		Rewards: []Reward{},
		Rules:   []Rule{},
		Pending: []Message{},
		History: []Message{},
		Stats:   DefaultStats(),
		Mode:    Unfocused,
		Buffer:  []PendingTrigger{},
	}
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
