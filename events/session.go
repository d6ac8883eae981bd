package events

import (
	"sync"

	"github.com/google/uuid"
)

// Session holds the per-process session identifier. It is created on first
// read and stays the same until the process exits.
type Session struct {
	once sync.Once
	id   string
}

func NewSession() *Session {
	return &Session{}
}

func (s *Session) ID() string {
	s.once.Do(func() {
		id, err := uuid.NewV7()
		if err != nil {
			s.id = uuid.NewString()
			return
		}
		s.id = id.String()
	})
	return s.id
}
