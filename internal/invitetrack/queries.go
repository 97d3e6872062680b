package invitetrack

import (
	"context"
	"fmt"
	"sort"
)

// DefaultLeaderboardLimit caps the leaderboard when no limit is given.
const DefaultLeaderboardLimit = 10

// LeaderboardEntry is one ranked inviter.
type LeaderboardEntry struct {
	Inviter MemberID
	Count   int
}

// QueryService answers the two aggregate queries over the store: who did I
// invite, and who are the top inviters. All reads are scoped to one server.
type QueryService struct {
	store  Store
	server ServerID
}

func NewQueryService(store Store, server ServerID) (*QueryService, error) {
	if store == nil || server == 0 {
		return nil, ErrInvalidInput
	}
	return &QueryService{store: store, server: server}, nil
}

// InvitedBy lists the invitees attributed to an inviter in join order. No
// invitees is an empty slice, not an error.
func (q *QueryService) InvitedBy(ctx context.Context, inviter MemberID) ([]MemberID, error) {
	if q == nil {
		return nil, ErrInvalidInput
	}
	grouped, err := q.store.InviterToInvitees(ctx, q.server)
	if err != nil {
		return nil, err
	}
	invitees := grouped[inviter]
	if invitees == nil {
		return []MemberID{}, nil
	}
	return invitees, nil
}

// Leaderboard ranks inviters by invitee count descending, truncated to
// limit. Ties keep a stable order (by inviter ID).
func (q *QueryService) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if q == nil {
		return nil, ErrInvalidInput
	}
	if limit <= 0 {
		limit = DefaultLeaderboardLimit
	}
	grouped, err := q.store.InviterToInvitees(ctx, q.server)
	if err != nil {
		return nil, err
	}
	entries := make([]LeaderboardEntry, 0, len(grouped))
	for inviter, invitees := range grouped {
		entries = append(entries, LeaderboardEntry{Inviter: inviter, Count: len(invitees)})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Inviter < entries[j].Inviter
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

var rankMedals = []string{"\U0001F947", "\U0001F948", "\U0001F949"}

// RankMarker renders the leaderboard position marker: medals for the top
// three, "**#N**" after that. pos is zero-based.
func RankMarker(pos int) string {
	if pos >= 0 && pos < len(rankMedals) {
		return rankMedals[pos]
	}
	return fmt.Sprintf("**#%d**", pos+1)
}
