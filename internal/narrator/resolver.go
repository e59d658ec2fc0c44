// Package narrator decides which inner voices speak and in what order their
// lines reach the user.
package narrator

import (
	"innervoice/internal/domain"
)

// Reaction is a resolved line before it becomes a queued message.
type Reaction struct {
	Persona domain.Persona `json:"persona"`
	Text    string         `json:"text"`
}

// Picker chooses an index in [0,n). *math/rand/v2.Rand satisfies it.
type Picker interface {
	IntN(n int) int
}

// DefaultPersona is the voice that speaks for a trigger when no rule matches
// and no persona was requested.
func DefaultPersona(t domain.Trigger) domain.Persona {
	switch t {
	case domain.TriggerTaskAdd:
		return domain.Logic
	case domain.TriggerTaskComplete:
		return domain.Volition
	case domain.TriggerRewardBuy:
		return domain.Electrochemistry
	default:
		return domain.InlandEmpire
	}
}

// Resolve maps a trigger to the reactions it produces.
//
// Every rule for the trigger speaks, in store order. A requested persona
// narrows the chorus to its own rules when it has any. Without a matching rule
// a single fallback line is drawn from the quote bank.
func Resolve(t domain.Trigger, requested domain.Persona, rules []domain.Rule, bank QuoteBank, pick Picker) []Reaction {
	var matching []domain.Rule
	for _, r := range rules {
		if r.Trigger == t {
			matching = append(matching, r)
		}
	}
	if len(matching) > 0 {
		if requested != "" {
			if specific := filterPersona(matching, requested); len(specific) > 0 {
				return toReactions(specific)
			}
		}
		return toReactions(matching)
	}

	persona := requested
	if persona == "" {
		persona = DefaultPersona(t)
	}
	lines := bank.Lines(persona)
	text := ""
	if len(lines) > 0 {
		if pick == nil {
			pick = defaultPicker
		}
		text = lines[pick.IntN(len(lines))]
	}
	return []Reaction{{Persona: persona, Text: text}}
}

func filterPersona(rules []domain.Rule, p domain.Persona) []domain.Rule {
	var out []domain.Rule
	for _, r := range rules {
		if r.Persona == p {
			out = append(out, r)
		}
	}
	return out
}

func toReactions(rules []domain.Rule) []Reaction {
	out := make([]Reaction, 0, len(rules))
	for _, r := range rules {
		out = append(out, Reaction{Persona: r.Persona, Text: r.Text})
	}
	return out
}
