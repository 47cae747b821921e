package types

import "time"

// Turn is a single user utterance accumulated into a session.
type Turn struct {
	Domain Domain    `json:"domain"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// SessionContext is the conversational context of one client interaction
// stream. It soft-expires after an inactivity threshold but is never
// destroyed: a new turn reopens it.
type SessionContext struct {
	SessionID       string    `json:"session_id"`
	Domain          Domain    `json:"domain"` // domain of the first turn
	AccumulatedText []Turn    `json:"accumulated_text"`
	StartedAt       time.Time `json:"started_at"`
	LastActiveAt    time.Time `json:"last_active_at"`

	// Active is false once the session has been idle past the threshold.
	Active bool `json:"active"`

	// Reopened counts how many times an inactive session received a new turn.
	Reopened int `json:"reopened"`
}

// ActiveDomains returns the distinct domains that contributed turns, in the
// order they first appeared.
func (s *SessionContext) ActiveDomains() DomainSet {
	var out DomainSet
	for _, t := range s.AccumulatedText {
		out = out.Add(t.Domain)
	}
	return out
}

// Clone returns a deep copy safe to hand to callers.
func (s *SessionContext) Clone() SessionContext {
	c := *s
	c.AccumulatedText = make([]Turn, len(s.AccumulatedText))
	copy(c.AccumulatedText, s.AccumulatedText)
	return c
}
