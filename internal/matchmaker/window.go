package matchmaker

import (
	"sort"

	"github.com/google/uuid"

	"github.com/fifthgg/matchmaking/internal/availability"
	"github.com/fifthgg/matchmaking/internal/rank"
)

// Group is a candidate set of players that passed the rank check.
type Group struct {
	GameMode string
	Region   availability.Region
	Offset   int // window start within the sorted bucket
	Spread   int
	Entries  []availability.Entry
}

// UserIDs returns the group's players in window order.
func (g *Group) UserIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(g.Entries))
	for i, e := range g.Entries {
		ids[i] = e.UserID
	}
	return ids
}

type bucketKey struct {
	gameMode string
	region   availability.Region
}

// SelectGroup runs the first-fit search. Entries are bucketed by game mode and
// region (buckets never mix), visited in first-seen order; each bucket is
// sorted by tier value (wildcards first) and a window of size slides left to
// right. The first compatible window wins; no attempt is made to find a
// tighter window elsewhere. Returns nil when nothing fits.
func SelectGroup(ready []availability.Entry, size, window int) *Group {
	if size <= 0 || len(ready) < size {
		return nil
	}

	var order []bucketKey
	buckets := make(map[bucketKey][]availability.Entry)
	for _, e := range ready {
		k := bucketKey{gameMode: e.GameMode, region: e.Region}
		if _, seen := buckets[k]; !seen {
			order = append(order, k)
		}
		buckets[k] = append(buckets[k], e)
	}

	for _, k := range order {
		users := buckets[k]
		if len(users) < size {
			continue
		}

		sort.SliceStable(users, func(i, j int) bool {
			return rank.TierValueOf(users[i].RankRange) < rank.TierValueOf(users[j].RankRange)
		})
		values := make([]int, len(users))
		for i, u := range users {
			values[i] = rank.TierValueOf(u.RankRange)
		}

		for i := 0; i+size <= len(users); i++ {
			win := values[i : i+size]
			if !rank.IsCompatible(win, window) {
				continue
			}
			entries := make([]availability.Entry, size)
			copy(entries, users[i:i+size])
			return &Group{
				GameMode: k.gameMode,
				Region:   k.region,
				Offset:   i,
				Spread:   rank.Spread(win),
				Entries:  entries,
			}
		}
	}
	return nil
}
