package collab

import (
	"sync"
	"time"

	"collabcore/internal/crdt"
	"collabcore/internal/permission"
)

// Participant is one connected client inside a session, owned exclusively by
// it. Removed on explicit leave or channel disconnect.
type Participant struct {
	ID           string
	UserID       string
	ChannelID    string
	Name         string
	Email        string
	Avatar       string
	Role         permission.Role
	JoinedAt     time.Time
	LastActivity time.Time
}

func (p *Participant) view() ParticipantView {
	return ParticipantView{
		ID:       p.ID,
		UserID:   p.UserID,
		Name:     p.Name,
		Email:    p.Email,
		Avatar:   p.Avatar,
		Role:     p.Role,
		JoinedAt: p.JoinedAt,
	}
}

// Session is the live collaboration context for one (project, document)
// pair. At most one session exists per pair at any time.
//
// Session state is mutated only with mu held, and mu is held for the whole
// of each inbound event (including the store transaction), so edits within
// one session never interleave. Different sessions proceed concurrently.
type Session struct {
	ID         string
	ProjectID  string
	DocumentID string
	CreatedAt  time.Time

	mu           sync.Mutex
	store        *crdt.Store
	participants map[string]*Participant // by participant id
	byChannel    map[string]*Participant
	lastActivity time.Time
	lockedBy     string // exclusive-edit lock holder, empty if unlocked
	degraded     bool   // a durable write failed; in-memory state is authoritative
}

func newSession(projectID, documentID, id string, store *crdt.Store, lockedBy string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		ProjectID:    projectID,
		DocumentID:   documentID,
		CreatedAt:    now,
		store:        store,
		participants: make(map[string]*Participant),
		byChannel:    make(map[string]*Participant),
		lastActivity: now,
		lockedBy:     lockedBy,
	}
}

func (s *Session) addParticipantLocked(p *Participant) {
	s.participants[p.ID] = p
	s.byChannel[p.ChannelID] = p
	s.lastActivity = time.Now().UTC()
}

func (s *Session) removeChannelLocked(channelID string) *Participant {
	p, ok := s.byChannel[channelID]
	if !ok {
		return nil
	}
	delete(s.byChannel, channelID)
	delete(s.participants, p.ID)
	s.lastActivity = time.Now().UTC()
	return p
}

func (s *Session) rosterLocked() []ParticipantView {
	roster := make([]ParticipantView, 0, len(s.participants))
	for _, p := range s.participants {
		roster = append(roster, p.view())
	}
	return roster
}

func (s *Session) channelsLocked(except string) []string {
	channels := make([]string, 0, len(s.byChannel))
	for channelID := range s.byChannel {
		if channelID != except {
			channels = append(channels, channelID)
		}
	}
	return channels
}
