// Package memstore is a minimal in-process persistence.Store, used by this
// repository's own tests. It is explicitly
// non-durable: all state lives in process memory and is lost on restart,
// matching spec §1's exclusion of durable storage mechanics from this
// module's scope.
package memstore

import (
	"sync"

	"github.com/gonzalop/broker/ascoltatore"
	"github.com/gonzalop/broker/packet"
	"github.com/gonzalop/broker/persistence"
)

type clientState struct {
	subs []persistence.StoredSubscription
	will *packet.Will
	// offline preserves insertion order; spec §6 calls it "an ordered
	// packet queue".
	offline []persistence.OfflinePacket
}

// Store is a mutex-guarded in-memory persistence.Store.
type Store struct {
	mu       sync.Mutex
	clients  map[string]*clientState
	retained map[string]*packet.Publish // keyed by topic
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{
		clients:  make(map[string]*clientState),
		retained: make(map[string]*packet.Publish),
	}
}

var _ persistence.Store = (*Store)(nil)

func (s *Store) state(clientID string) *clientState {
	st, ok := s.clients[clientID]
	if !ok {
		st = &clientState{}
		s.clients[clientID] = st
	}
	return st
}

func (s *Store) SaveSubscriptions(clientID string, subs []persistence.StoredSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]persistence.StoredSubscription, len(subs))
	copy(cp, subs)
	s.state(clientID).subs = cp
	return nil
}

func (s *Store) LoadSubscriptions(clientID string) ([]persistence.StoredSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.clients[clientID]
	if !ok {
		return nil, nil
	}
	cp := make([]persistence.StoredSubscription, len(st.subs))
	copy(cp, st.subs)
	return cp, nil
}

func (s *Store) ClearSubscriptions(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.clients[clientID]; ok {
		st.subs = nil
	}
	return nil
}

func (s *Store) SaveWill(clientID string, will *packet.Will) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(clientID).will = will
	return nil
}

func (s *Store) ClearWill(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.clients[clientID]; ok {
		st.will = nil
	}
	return nil
}

func (s *Store) QueueOffline(clientID string, pkt persistence.OfflinePacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(clientID)
	st.offline = append(st.offline, pkt)
	return nil
}

func (s *Store) ReplayOffline(clientID string) ([]persistence.OfflinePacket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.clients[clientID]
	if !ok || len(st.offline) == 0 {
		return nil, nil
	}
	out := st.offline
	st.offline = nil
	return out, nil
}

func (s *Store) ClearOffline(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.clients[clientID]; ok {
		st.offline = nil
	}
	return nil
}

func (s *Store) UpdateOfflinePacket(clientID string, originalID, newID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.clients[clientID]
	if !ok {
		return nil
	}
	for i := range st.offline {
		if st.offline[i].OriginalID == originalID {
			st.offline[i].OriginalID = newID
			st.offline[i].Publish.MessageID = newID
		}
	}
	return nil
}

func (s *Store) DeleteOfflinePacket(clientID string, messageID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.clients[clientID]
	if !ok {
		return nil
	}
	kept := st.offline[:0]
	for _, p := range st.offline {
		if p.OriginalID == messageID {
			continue
		}
		kept = append(kept, p)
	}
	st.offline = kept
	return nil
}

func (s *Store) StoreRetained(pkt *packet.Publish) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(pkt.Payload) == 0 {
		delete(s.retained, pkt.Topic)
		return nil
	}
	cp := *pkt
	s.retained[pkt.Topic] = &cp
	return nil
}

func (s *Store) Clients() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.clients))
	for id := range s.clients {
		out = append(out, id)
	}
	return out, nil
}

func (s *Store) MatchRetained(filter string) ([]*packet.Publish, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*packet.Publish
	for t, p := range s.retained {
		if ascoltatore.MatchTopic(filter, t) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}
