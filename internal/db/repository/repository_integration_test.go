//go:build integration
// +build integration

package repository

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/itbasis/go-clock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fifthgg/matchmaking/internal/availability"
	"github.com/fifthgg/matchmaking/internal/containers"
	"github.com/fifthgg/matchmaking/internal/matchmaker"
	"github.com/fifthgg/matchmaking/internal/registry"
)

// A shared pool for every test; each test uses fresh user ids.
var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := containers.NewDBContainer(ctx)
	if err != nil {
		fmt.Printf("error starting postgres: %v\n", err)
		os.Exit(1)
	}

	testPool, err = pgxpool.New(ctx, container.ConnectionString())
	if err != nil {
		container.Shutdown(ctx)
		fmt.Printf("error connecting to db: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	testPool.Close()
	container.Shutdown(ctx)
	os.Exit(code)
}

func seedUser(t *testing.T, region string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	var r *string
	if region != "" {
		r = &region
	}
	_, err := testPool.Exec(context.Background(), `INSERT INTO users (id, region) VALUES ($1, $2)`, id, r)
	require.NoError(t, err)
	return id
}

func ready(t *testing.T, repo *AvailabilityRepository, userID uuid.UUID, gameMode, rankRange string, region string) availability.Entry {
	t.Helper()
	var rr *string
	if rankRange != "" {
		rr = &rankRange
	}
	e, err := repo.Set(context.Background(), availability.Entry{
		UserID: userID, GameMode: gameMode, RankRange: rr, Region: availability.NewRegion(region),
	})
	require.NoError(t, err)
	return e
}

func TestAvailabilityRepository_SetGetRemove(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	mock.Add(123456789 * time.Nanosecond)
	repo := NewAvailabilityRepository(testPool, mock)
	user := seedUser(t, "ap")

	saved := ready(t, repo, user, "mode-"+uuid.NewString(), "Gold 1", "ap")
	assert.Equal(t, mock.Now().UTC().Truncate(time.Microsecond), saved.ReadyAt)

	got, err := repo.Get(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, saved, *got)
	assert.Equal(t, "ap", got.Region.Name())

	mock.Add(time.Minute)
	again := ready(t, repo, user, saved.GameMode, "", "")
	assert.True(t, again.ReadyAt.After(saved.ReadyAt))
	assert.Nil(t, again.RankRange)
	assert.False(t, again.Region.Known())

	require.NoError(t, repo.Remove(ctx, user))
	require.NoError(t, repo.Remove(ctx, user))
	_, err = repo.Get(ctx, user)
	assert.ErrorIs(t, err, availability.ErrNotFound)
}

func TestAvailabilityRepository_ClaimIsConditional(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	repo := NewAvailabilityRepository(testPool, mock)
	mode := "mode-" + uuid.NewString()

	a := ready(t, repo, seedUser(t, "ap"), mode, "", "ap")
	mock.Add(time.Second)
	b := ready(t, repo, seedUser(t, "ap"), mode, "", "ap")

	list, err := repo.ListReady(ctx, mode)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.UserID, list[0].UserID, "oldest first")

	// b re-declares after the snapshot.
	mock.Add(time.Second)
	ready(t, repo, b.UserID, mode, "gold 1", "ap")

	assert.ErrorIs(t, repo.Claim(ctx, list), availability.ErrStaleClaim)
	list2, err := repo.ListReady(ctx, mode)
	require.NoError(t, err)
	assert.Len(t, list2, 2, "failed claim deletes nothing")

	require.NoError(t, repo.Claim(ctx, list2))
	list3, err := repo.ListReady(ctx, mode)
	require.NoError(t, err)
	assert.Empty(t, list3)

	require.NoError(t, repo.Restore(ctx, list2))
	list4, err := repo.ListReady(ctx, mode)
	require.NoError(t, err)
	assert.Len(t, list4, 2)
}

func TestAvailabilityRepository_RestoreSkipsUsersWhoLeft(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	repo := NewAvailabilityRepository(testPool, mock)
	mode := "mode-" + uuid.NewString()

	stayed := ready(t, repo, seedUser(t, "ap"), mode, "", "ap")
	left := ready(t, repo, seedUser(t, "ap"), mode, "", "ap")
	claimed := []availability.Entry{stayed, left}
	require.NoError(t, repo.Claim(ctx, claimed))

	require.NoError(t, repo.Remove(ctx, left.UserID))
	require.NoError(t, repo.Restore(ctx, claimed))

	_, err := repo.Get(ctx, left.UserID)
	assert.ErrorIs(t, err, availability.ErrNotFound)
	got, err := repo.Get(ctx, stayed.UserID)
	require.NoError(t, err)
	assert.Equal(t, stayed, *got)

	// A released claim has nothing left to restore.
	list, err := repo.ListReady(ctx, mode)
	require.NoError(t, err)
	require.NoError(t, repo.Claim(ctx, list))
	require.NoError(t, repo.Release(ctx, list))
	require.NoError(t, repo.Restore(ctx, list))
	_, err = repo.Get(ctx, stayed.UserID)
	assert.ErrorIs(t, err, availability.ErrNotFound)
}

func TestMatchRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewMatchRepository(testPool)
	a, b, c := seedUser(t, "ap"), seedUser(t, "ap"), seedUser(t, "ap")

	m, err := repo.Create(ctx, "competitive", []uuid.UUID{a, b, c}, registry.ParticipantPending)
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9A-F]{8}$`, m.MatchCode)

	got, err := repo.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a, b, c}, got.ParticipantIDs())
	assert.Equal(t, []string{registry.Team1, registry.Team2, registry.Team2},
		[]string{got.Participants[0].Team, got.Participants[1].Team, got.Participants[2].Team})
	assert.False(t, got.AllAccepted())

	for _, id := range []uuid.UUID{a, b, c} {
		require.NoError(t, repo.UpdateParticipantStatus(ctx, m.ID, id, registry.ParticipantAccepted))
	}
	assert.ErrorIs(t, repo.UpdateParticipantStatus(ctx, m.ID, uuid.New(), registry.ParticipantAccepted), registry.ErrParticipantNotFound)
	assert.ErrorIs(t, repo.UpdateParticipantStatus(ctx, uuid.New(), a, registry.ParticipantAccepted), registry.ErrMatchNotFound)

	started, err := repo.UpdateMatchStatus(ctx, m.ID, registry.StatusActive)
	require.NoError(t, err)
	assert.True(t, started.AllAccepted())
	assert.NotNil(t, started.StartedAt)

	_, err = repo.UpdateMatchStatus(ctx, uuid.New(), registry.StatusCancelled)
	assert.ErrorIs(t, err, registry.ErrMatchNotFound)

	history, err := repo.History(ctx, b, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, m.ID, history[0].MatchID)
	assert.Equal(t, registry.Team2, history[0].Team)
}

func TestMatchRepository_CreateIsAtomic(t *testing.T) {
	ctx := context.Background()
	repo := NewMatchRepository(testPool)
	a := seedUser(t, "ap")

	// The second player has no profile row, so the participant insert fails.
	_, err := repo.Create(ctx, "atomic-"+uuid.NewString(), []uuid.UUID{a, uuid.New()}, registry.ParticipantAccepted)
	require.Error(t, err)

	history, err := repo.History(ctx, a, 0)
	require.NoError(t, err)
	assert.Empty(t, history, "no partial match left behind")
}

func TestDirectoryRepository_RegionOf(t *testing.T) {
	ctx := context.Background()
	dir := NewDirectoryRepository(testPool)

	r, err := dir.RegionOf(ctx, seedUser(t, "eu"))
	require.NoError(t, err)
	assert.Equal(t, "eu", r.Name())

	r, err = dir.RegionOf(ctx, seedUser(t, ""))
	require.NoError(t, err)
	assert.False(t, r.Known())

	r, err = dir.RegionOf(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, r.Known())
}

func TestMatchmaker_OnPostgres(t *testing.T) {
	ctx := context.Background()
	pool := NewAvailabilityRepository(testPool, nil)
	matches := NewMatchRepository(testPool)
	mode := "pg-" + uuid.NewString()

	a := ready(t, pool, seedUser(t, "ap"), mode, "gold 1", "ap")
	b := ready(t, pool, seedUser(t, "ap"), mode, "gold 3", "ap")
	c := ready(t, pool, seedUser(t, "ap"), mode, "radiant", "ap")

	mm := matchmaker.New(pool, matches, nil, matchmaker.Options{MatchSize: 2}, zerolog.Nop())
	m, err := mm.TryMatch(ctx, mode)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.ElementsMatch(t, []uuid.UUID{a.UserID, b.UserID}, m.ParticipantIDs())

	left, err := pool.ListReady(ctx, mode)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, c.UserID, left[0].UserID)
}
