package tower

import (
	"errors"
	"time"

	"github.com/towergate/towergate/internal/policy"
)

// ErrIPAllocated is returned when the requested pool IP is already
// bound on that gate.
var ErrIPAllocated = errors.New("ip already allocated on this gate")

// Allocate binds a pool IP on one gate to a backend server. Pool IPs
// are scoped per gate, so the same literal IP may be bound on two
// different gates to two different servers. A zero ttl allocates
// permanently.
func (s *Store) Allocate(ip string, gateID, serverID, personID int64, ttl time.Duration) (*policy.IPAllocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gates[gateID] == nil {
		return nil, errors.New("gate not found")
	}
	if s.servers[serverID] == nil {
		return nil, errors.New("server not found")
	}

	key := allocationKey(ip, gateID)
	now := s.now()
	if existing, ok := s.allocations[key]; ok {
		if existing.ExpiresAt == nil || now.Before(*existing.ExpiresAt) {
			return nil, ErrIPAllocated
		}
		// Expired allocation: reclaim the slot.
		delete(s.allocations, key)
	}

	alloc := &policy.IPAllocation{
		IP:       ip,
		GateID:   gateID,
		ServerID: serverID,
		PersonID: personID,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		alloc.ExpiresAt = &expires
	}
	s.allocations[key] = alloc
	s.persistLocked()
	return alloc, nil
}

// Release removes an allocation. Returns false if none existed.
func (s *Store) Release(ip string, gateID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := allocationKey(ip, gateID)
	if _, ok := s.allocations[key]; !ok {
		return false
	}
	delete(s.allocations, key)
	s.persistLocked()
	return true
}

// ExtendAllocation pushes an allocation's expiry forward. Permanent
// allocations are left untouched.
func (s *Store) ExtendAllocation(ip string, gateID int64, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	alloc, ok := s.allocations[allocationKey(ip, gateID)]
	if !ok || alloc.ExpiresAt == nil {
		return ok
	}
	expires := s.now().Add(ttl)
	alloc.ExpiresAt = &expires
	s.persistLocked()
	return true
}

// CleanupExpiredAllocations drops every allocation past its expiry and
// returns how many were removed.
func (s *Store) CleanupExpiredAllocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, alloc := range s.allocations {
		if alloc.ExpiresAt != nil && !now.Before(*alloc.ExpiresAt) {
			delete(s.allocations, key)
			removed++
		}
	}
	if removed > 0 {
		s.persistLocked()
	}
	return removed
}

// Allocations lists allocations, optionally filtered by gate.
func (s *Store) Allocations(gateID int64) []*policy.IPAllocation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*policy.IPAllocation
	for _, alloc := range s.allocations {
		if gateID != 0 && alloc.GateID != gateID {
			continue
		}
		cp := *alloc
		out = append(out, &cp)
	}
	return out
}
