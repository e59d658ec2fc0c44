package narrator

import "innervoice/internal/domain"

// Queue holds messages waiting to be shown and messages already read. The
// head of Pending is the active message.
//
// Transitions return a new Queue; the receiver's slices are never modified.
type Queue struct {
	Pending []domain.Message `json:"pending"`
	History []domain.Message `json:"history"`
}

// Enqueue appends msgs to the end of Pending, preserving their order.
func (q Queue) Enqueue(msgs ...domain.Message) Queue {
	if len(msgs) == 0 {
		return q
	}
	pending := make([]domain.Message, 0, len(q.Pending)+len(msgs))
	pending = append(pending, q.Pending...)
	pending = append(pending, msgs...)
	return Queue{Pending: pending, History: q.History}
}

// Advance moves the active message into History. It is a no-op when nothing
// is pending.
func (q Queue) Advance() Queue {
	if len(q.Pending) == 0 {
		return q
	}
	history := make([]domain.Message, 0, len(q.History)+1)
	history = append(history, q.History...)
	history = append(history, q.Pending[0])
	pending := append([]domain.Message(nil), q.Pending[1:]...)
	return Queue{Pending: pending, History: history}
}

func (q Queue) Active() (domain.Message, bool) {
	if len(q.Pending) == 0 {
		return domain.Message{}, false
	}
	return q.Pending[0], true
}

// Depth is the number of pending messages, including the active one.
func (q Queue) Depth() int { return len(q.Pending) }

// Presenting reports whether a message is active.
func (q Queue) Presenting() bool { return len(q.Pending) > 0 }

// AdvanceLabel names the control that dismisses the active message: more
// lines follow it, or it is the last one.
func (q Queue) AdvanceLabel() string {
	if q.Depth() > 1 {
		return "continue"
	}
	return "end"
}
