// internal/matcher/matcher.go

// Package matcher holds the pairing decision logic. It operates on
// already-fetched data and performs no I/O, so the algorithm is fully
// unit-testable without a database.
package matcher

import (
	"sort"

	"github.com/google/uuid"

	"github.com/averyhall/rallypoint/internal/models"
)

// Pairing is a positive matchmaking decision. Exactly one of the two
// shapes is populated:
//   - JoinSessionID != uuid.Nil: attach the requester to that session.
//   - len(Members) > 0: form a new session with those users, requester
//     first; Entries lists the queue entries folded in (requester's
//     included). Saturated means the new session fills its capacity
//     immediately and starts active rather than waiting.
type Pairing struct {
	JoinSessionID uuid.UUID
	Members       []uuid.UUID
	Entries       []uuid.UUID
	Saturated     bool
}

// FindPairing decides the outcome for one requester. openSessions are
// joinable sessions from the registry, oldest first; queueCandidates come
// from the queue manager's CandidatesFor. A nil result means the requester
// stays queued — that is a normal outcome, not a failure, so this function
// never returns an error.
//
// The algorithm is greedy and non-backtracking: bounded work per request
// is preferred over globally optimal pairing. Staleness is bounded by the
// reaper and by the created-at tie-break below.
func FindPairing(requester models.QueueEntry, openSessions []models.Session, queueCandidates []models.QueueEntry) *Pairing {
	// Step 1: fill an existing game before starting a new one.
	for i := range openSessions {
		s := &openSessions[i]
		if !s.Joinable() || s.HasMember(requester.UserID) {
			continue
		}
		if s.GameMode != requester.GameMode || s.Region != requester.Region || s.MaxPlayers != requester.DesiredMaxPlayers {
			continue
		}
		return &Pairing{
			JoinSessionID: s.ID,
			Entries:       []uuid.UUID{requester.ID},
		}
	}

	candidates := rankCandidates(requester, queueCandidates)
	if len(candidates) == 0 {
		return nil
	}

	// Step 2: enough peers to saturate a session outright.
	want := requester.DesiredMaxPlayers - 1
	saturated := len(candidates) >= want
	if saturated {
		candidates = candidates[:want]
	}

	// Step 3 (when not saturated): open a partially filled waiting session
	// with whoever is available.
	p := &Pairing{
		Members:   []uuid.UUID{requester.UserID},
		Entries:   []uuid.UUID{requester.ID},
		Saturated: saturated,
	}
	for _, c := range candidates {
		p.Members = append(p.Members, c.UserID)
		p.Entries = append(p.Entries, c.ID)
	}
	return p
}

// rankCandidates filters for compatibility and re-applies the queue
// manager's ordering: ascending skill distance to the requester, ties
// broken by ascending createdAt (oldest first, for fairness).
func rankCandidates(requester models.QueueEntry, candidates []models.QueueEntry) []models.QueueEntry {
	ranked := make([]models.QueueEntry, 0, len(candidates))
	for _, c := range candidates {
		if c.Status != models.QueueStatusActive || c.UserID == requester.UserID {
			continue
		}
		if c.GameMode != requester.GameMode || c.Region != requester.Region || c.DesiredMaxPlayers != requester.DesiredMaxPlayers {
			continue
		}
		ranked = append(ranked, c)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		di := ranked[i].SkillDistance(requester.SkillLevel)
		dj := ranked[j].SkillDistance(requester.SkillLevel)
		if di != dj {
			return di < dj
		}
		return ranked[i].CreatedAt.Before(ranked[j].CreatedAt)
	})
	return ranked
}
