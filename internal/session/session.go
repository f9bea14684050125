package session

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a turn
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultPersona is the system turn every new session starts with
const DefaultPersona = "You are a helpful assistant named Botify."

// Turn represents a single chat message
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// State represents a chat session. Turns is append-only and its order is the
// conversation order. The session keeps its own copy of the document text, so
// a conversation never depends on the extraction cache.
type State struct {
	ID            string    `json:"id"`
	StartTime     time.Time `json:"start_time"`
	Backend       string    `json:"backend"`
	DocumentKey   string    `json:"document_key,omitempty"`
	DocumentName  string    `json:"document_name,omitempty"`
	DocumentText  string    `json:"-"`
	DocumentPages int       `json:"document_pages,omitempty"`
	Turns         []Turn    `json:"turns"`
}

// New creates a session whose log holds only the persona turn.
// An empty persona falls back to DefaultPersona.
func New(backend, persona string) *State {
	if persona == "" {
		persona = DefaultPersona
	}
	now := time.Now()
	return &State{
		ID:        uuid.New().String(),
		StartTime: now,
		Backend:   backend,
		Turns: []Turn{{
			Role:      RoleSystem,
			Content:   persona,
			Timestamp: now,
		}},
	}
}

// Append adds a turn to the end of the log and returns it
func (s *State) Append(role Role, content string) Turn {
	turn := Turn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
	s.Turns = append(s.Turns, turn)
	return turn
}

// RequestLog returns a copy of the full ordered log, the payload of every chat call
func (s *State) RequestLog() []Turn {
	turns := make([]Turn, len(s.Turns))
	copy(turns, s.Turns)
	return turns
}

// Len returns the number of turns in the log
func (s *State) Len() int {
	return len(s.Turns)
}

// BindDocument records the document the session is chatting about
func (s *State) BindDocument(key, name, text string, pages int) {
	s.DocumentKey = key
	s.DocumentName = name
	s.DocumentText = text
	s.DocumentPages = pages
}

// HasDocument reports whether a document has been bound
func (s *State) HasDocument() bool {
	return s.DocumentKey != ""
}

// Clone returns a deep copy of the state
func (s *State) Clone() *State {
	c := *s
	c.Turns = s.RequestLog()
	return &c
}
