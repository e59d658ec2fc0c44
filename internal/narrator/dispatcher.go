package narrator

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"innervoice/internal/domain"
)

// State is everything the narrator owns: the rule store, the dialogue queue,
// the focus mode and the triggers deferred while focused.
type State struct {
	Rules  []domain.Rule
	Queue  Queue
	Mode   domain.Mode
	Buffer []domain.PendingTrigger
}

// Machine applies narration events to a State. Every transition takes a State
// and returns the next one; the Machine itself only carries the quote bank and
// the sources of randomness, time and ids.
type Machine struct {
	Quotes QuoteBank
	Pick   Picker
	Now    func() time.Time
	NewID  func() string
}

// NewMachine builds a Machine. A zero seed draws fallback lines at random; any
// other seed makes the picks reproducible.
func NewMachine(quotes QuoteBank, seed uint64) Machine {
	if quotes == nil {
		quotes = DefaultQuotes()
	}
	var src rand.Source
	if seed == 0 {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	} else {
		src = rand.NewPCG(seed, seed)
	}
	return Machine{
		Quotes: quotes,
		Pick:   &lockedPicker{r: rand.New(src)},
		Now:    time.Now,
		NewID:  func() string { return uuid.NewString() },
	}
}

// lockedPicker lets one Machine be shared between goroutines.
type lockedPicker struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (p *lockedPicker) IntN(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.r.IntN(n)
}

var defaultPicker = &lockedPicker{r: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}

// DefaultPicker returns the shared randomly seeded picker used when none is
// configured.
func DefaultPicker() Picker { return defaultPicker }

func (m Machine) pick() Picker {
	if m.Pick != nil {
		return m.Pick
	}
	return defaultPicker
}

func (m Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m Machine) newID() string {
	if m.NewID != nil {
		return m.NewID()
	}
	return uuid.NewString()
}

func (m Machine) quotes() QuoteBank {
	if m.Quotes == nil {
		return DefaultQuotes()
	}
	return m.Quotes
}

// Resolve runs the resolver against the given rules.
func (m Machine) Resolve(t domain.Trigger, requested domain.Persona, rules []domain.Rule) []Reaction {
	return Resolve(t, requested, rules, m.quotes(), m.pick())
}

// Materialize stamps reactions with ids and a creation time.
func (m Machine) Materialize(reactions []Reaction) []domain.Message {
	ts := m.now().UnixMilli()
	out := make([]domain.Message, 0, len(reactions))
	for _, r := range reactions {
		out = append(out, domain.Message{
			ID:        m.newID(),
			Persona:   r.Persona,
			Text:      r.Text,
			Timestamp: ts,
		})
	}
	return out
}

// Enqueue materializes reactions and appends them to the queue as one batch.
func (m Machine) Enqueue(s State, reactions []Reaction) State {
	if len(reactions) == 0 {
		return s
	}
	s.Queue = s.Queue.Enqueue(m.Materialize(reactions)...)
	return s
}

// Raise narrates t immediately when unfocused and defers it otherwise.
func (m Machine) Raise(s State, t domain.Trigger, requested domain.Persona) State {
	if s.Mode == domain.Focused {
		buf := make([]domain.PendingTrigger, 0, len(s.Buffer)+1)
		buf = append(buf, s.Buffer...)
		s.Buffer = append(buf, domain.PendingTrigger{Trigger: t, Persona: requested})
		return s
	}
	return m.Enqueue(s, m.Resolve(t, requested, s.Rules))
}

// Focus suspends narration; triggers raised afterwards are buffered.
func (m Machine) Focus(s State) State {
	s.Mode = domain.Focused
	return s
}

// ReturnToUnfocused resumes narration. The buffer is left untouched: callers
// schedule Flush once the view transition has settled.
func (m Machine) ReturnToUnfocused(s State) State {
	s.Mode = domain.Unfocused
	return s
}

// Flush resolves every distinct buffered trigger once, in order of first
// occurrence, and enqueues all resulting lines as a single batch.
func (m Machine) Flush(s State) State {
	if len(s.Buffer) == 0 {
		return s
	}
	seen := make(map[domain.PendingTrigger]bool, len(s.Buffer))
	var all []Reaction
	for _, pt := range s.Buffer {
		if seen[pt] {
			continue
		}
		seen[pt] = true
		all = append(all, m.Resolve(pt.Trigger, pt.Persona, s.Rules)...)
	}
	s.Buffer = []domain.PendingTrigger{}
	return m.Enqueue(s, all)
}

// Advance marks the active message as read.
func (m Machine) Advance(s State) State {
	s.Queue = s.Queue.Advance()
	return s
}
