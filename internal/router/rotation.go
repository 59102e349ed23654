package router

import (
	"sync"

	"qms/inbox-service/internal/models"
	"qms/inbox-service/internal/store"
)

// pick chooses an agent from members (in membership order) using the queue's
// stored routing state. It returns the empty string when members is empty or
// nobody is under capacity.
func pick(policy models.RotationPolicy, state store.RoutingState, members []store.MemberLoad, capacity func(int) bool, intn func(int) int) string {
	if len(members) == 0 {
		return ""
	}
	ordered := cycle(state.LastAgentID, members)
	eligible := ordered[:0:0]
	for _, member := range ordered {
		if capacity(member.Accepted) {
			eligible = append(eligible, member)
		}
	}
	if len(eligible) == 0 {
		return ""
	}

	switch policy {
	case models.RotationRandom:
		return eligible[intn(len(eligible))].AgentID
	case models.RotationFIFO:
		best := eligible[0]
		for _, member := range eligible[1:] {
			if state.LastAssigned[member.AgentID].Before(state.LastAssigned[best.AgentID]) {
				best = member
			}
		}
		return best.AgentID
	case models.RotationLoadBased:
		best := eligible[0]
		for _, member := range eligible[1:] {
			if member.Accepted < best.Accepted {
				best = member
			}
		}
		return best.AgentID
	default:
		return eligible[0].AgentID
	}
}

// cycle orders members starting right after last. When last is no longer a
// member the cycle starts at the first position.
func cycle(last string, members []store.MemberLoad) []store.MemberLoad {
	start := 0
	for i, member := range members {
		if member.AgentID == last {
			start = i + 1
			break
		}
	}
	ordered := make([]store.MemberLoad, 0, len(members))
	for i := range members {
		ordered = append(ordered, members[(start+i)%len(members)])
	}
	return ordered
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
