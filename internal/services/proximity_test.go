package services

import (
	"context"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/userdir/apiserver/internal/geo"
	"github.com/userdir/apiserver/internal/store"
	"github.com/userdir/apiserver/types"
)

var jakarta = geo.Point{Lon: 106.8456, Lat: -6.2088}

func neighborIDs(neighbors []store.Neighbor) []string {
	ids := make([]string, 0, len(neighbors))
	for _, n := range neighbors {
		ids = append(ids, n.User.ID)
	}
	return ids
}

func (f fixture) createAt(t *testing.T, username string, p geo.Point) types.User {
	t.Helper()
	return f.mustCreate(t, username, p.Lon, p.Lat)
}

func (f fixture) follow(t *testing.T, follower, target types.User) {
	t.Helper()
	_, err := f.graph.Follow(context.Background(), follower.ID, target.ID)
	require.NoError(t, err)
}

func TestNearbySamePoint(t *testing.T) {
	f := newFixture(t, store.LeaveDangling)
	first := f.createAt(t, "first", jakarta)
	second := f.createAt(t, "second", jakarta)
	f.follow(t, first, second)

	got, err := f.proximity.Nearby(context.Background(), "first", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, second.ID, got[0].User.ID)
	assert.Equal(t, "second", got[0].User.Username)
	assert.Equal(t, 0.0, got[0].Distance)
}

func TestNearbyFiveUsersAtVaryingDistances(t *testing.T) {
	f := newFixture(t, store.LeaveDangling)
	subject := f.createAt(t, "subject", jakarta)

	distances := map[string]float64{
		"zero":   0,
		"block":  150,
		"town":   38000,
		"city":   40000,
		"region": 180000,
	}
	users := make(map[string]types.User)
	for name, meters := range distances {
		users[name] = f.createAt(t, name, geo.Offset(jakarta, meters))
		f.follow(t, subject, users[name])
	}

	got, err := f.proximity.Nearby(context.Background(), "subject", 10000)
	require.NoError(t, err)
	assert.Equal(t, []string{users["zero"].ID, users["block"].ID}, neighborIDs(got))
	assert.InDelta(t, 150, got[1].Distance, 0.01)
}

func TestNearbyOnlyConsidersFollowedUsers(t *testing.T) {
	f := newFixture(t, store.LeaveDangling)
	alice := f.createAt(t, "alice", jakarta)
	bob := f.createAt(t, "bob", jakarta)
	carol := f.createAt(t, "carol", jakarta)
	stranger := f.createAt(t, "stranger", jakarta)
	f.follow(t, alice, bob)
	f.follow(t, bob, carol)
	f.follow(t, stranger, alice)

	aliceNearby, err := f.proximity.Nearby(context.Background(), "alice", 1000)
	require.NoError(t, err)
	bobNearby, err := f.proximity.Nearby(context.Background(), "bob", 1000)
	require.NoError(t, err)
	carolNearby, err := f.proximity.Nearby(context.Background(), "carol", 1000)
	require.NoError(t, err)

	// Same location, different answers.
	assert.Equal(t, []string{bob.ID}, neighborIDs(aliceNearby))
	assert.Equal(t, []string{carol.ID}, neighborIDs(bobNearby))
	assert.Empty(t, carolNearby)
	assert.NotNil(t, carolNearby)
}

func TestNearbyResultsAreSubsetOfFollowing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.LeaveDangling)
	var all []types.User
	for i, meters := range []float64{0, 10, 20, 30, 40, 50, 60, 70} {
		all = append(all, f.createAt(t, string(rune('a'+i)), geo.Offset(jakarta, meters)))
	}
	subject := all[0]
	for i, user := range all[1:] {
		if i%2 == 0 {
			f.follow(t, subject, user)
		}
	}

	got, err := f.proximity.Nearby(ctx, subject.Username, 1e6)
	require.NoError(t, err)
	current, _ := f.users.GetByID(ctx, subject.ID)
	for _, n := range got {
		assert.Contains(t, current.Following, n.User.ID)
	}
	assert.Len(t, got, len(current.Following))
}

func TestNearbyDistanceBoundaryIsInclusive(t *testing.T) {
	f := newFixture(t, store.LeaveDangling)
	subject := f.createAt(t, "subject", jakarta)
	target := f.createAt(t, "target", geo.Offset(jakarta, 150))
	f.follow(t, subject, target)
	exact := geo.Distance(jakarta, geo.Offset(jakarta, 150))

	got, err := f.proximity.Nearby(context.Background(), "subject", exact)
	require.NoError(t, err)
	assert.Equal(t, []string{target.ID}, neighborIDs(got))

	got, err = f.proximity.Nearby(context.Background(), "subject", exact-1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNearbyOrdersByDistanceThenID(t *testing.T) {
	f := newFixture(t, store.LeaveDangling)
	subject := f.createAt(t, "subject", jakarta)
	far := f.createAt(t, "far", geo.Offset(jakarta, 500))
	tieA := f.createAt(t, "tie-a", geo.Offset(jakarta, 100))
	tieB := f.createAt(t, "tie-b", geo.Offset(jakarta, 100))
	for _, u := range []types.User{far, tieB, tieA} {
		f.follow(t, subject, u)
	}

	ties := []string{tieA.ID, tieB.ID}
	sort.Strings(ties)

	got, err := f.proximity.Nearby(context.Background(), "subject", 1000)
	require.NoError(t, err)
	assert.Equal(t, append(ties, far.ID), neighborIDs(got))
}

func TestNearbySkipsDanglingFollowing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.LeaveDangling)
	subject := f.createAt(t, "subject", jakarta)
	gone := f.createAt(t, "gone", jakarta)
	kept := f.createAt(t, "kept", jakarta)
	f.follow(t, subject, gone)
	f.follow(t, subject, kept)
	_, err := f.users.Delete(ctx, gone.ID)
	require.NoError(t, err)

	got, err := f.proximity.Nearby(ctx, "subject", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{kept.ID}, neighborIDs(got))
}

func TestNearbyErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.LeaveDangling)
	f.createAt(t, "subject", jakarta)

	_, err := f.proximity.Nearby(ctx, "nobody", 10)
	assert.ErrorIs(t, err, store.ErrNotFound)

	for _, bad := range []float64{-1, math.NaN(), math.Inf(1)} {
		_, err = f.proximity.Nearby(ctx, "subject", bad)
		assert.ErrorIs(t, err, ErrInvalidDistance)
	}

	// Written by another tool without a location.
	_, err = f.repo.Create(ctx, types.User{
		ID:        "no-location",
		Username:  "nowhere",
		DOB:       types.NewDate(2000, time.January, 1),
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	_, err = f.proximity.Nearby(ctx, "nowhere", 10)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNearbyZeroDistanceMatchesColocatedUsers(t *testing.T) {
	f := newFixture(t, store.LeaveDangling)
	subject := f.createAt(t, "subject", jakarta)
	same := f.createAt(t, "same", jakarta)
	near := f.createAt(t, "near", geo.Offset(jakarta, 1))
	f.follow(t, subject, same)
	f.follow(t, subject, near)

	got, err := f.proximity.Nearby(context.Background(), "subject", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{same.ID}, neighborIDs(got))
}
