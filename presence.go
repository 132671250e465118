package chmux

import (
	"context"

	"github.com/centrifugal/protocol"
)

// PresenceEntry is one user present in a channel together with the client
// connections that user has joined with.
type PresenceEntry struct {
	UserID  string
	Clients map[string]ClientInfo
}

// Presence returns the channel presence known locally, keyed by user id. The
// mapping is built from join and leave events (and FetchPresence) and reset
// when the connection is lost.
func (s *Subscription) Presence() map[string]PresenceEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]PresenceEntry)
	for clientID, info := range s.presence {
		entry, ok := result[info.User]
		if !ok {
			entry = PresenceEntry{UserID: info.User, Clients: make(map[string]ClientInfo)}
			result[info.User] = entry
		}
		entry.Clients[clientID] = info
	}
	return result
}

// applyJoin records a join. It returns false once the subscription is released.
func (s *Subscription) applyJoin(info ClientInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	s.presence[info.Client] = info
	return true
}

func (s *Subscription) applyLeave(info ClientInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	delete(s.presence, info.Client)
	return true
}

func (s *Subscription) replacePresence(presence map[string]*protocol.ClientInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.presence = make(map[string]ClientInfo, len(presence))
	for clientID, info := range presence {
		if ci := clientInfo(info); ci != nil {
			s.presence[clientID] = *ci
		}
	}
}

// FetchPresence asks the server for the channel presence, replaces the local
// mapping with it and returns the result.
func (s *Subscription) FetchPresence(ctx context.Context) (map[string]PresenceEntry, error) {
	reply, err := s.client.request(ctx, s, &protocol.Command{
		Presence: &protocol.PresenceRequest{Channel: s.channel},
	})
	if err != nil {
		return nil, err
	}
	if reply.Presence != nil {
		s.replacePresence(reply.Presence.Presence)
	} else {
		s.replacePresence(nil)
	}
	return s.Presence(), nil
}
