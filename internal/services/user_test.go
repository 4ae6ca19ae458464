package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/userdir/apiserver/internal/store"
	"github.com/userdir/apiserver/types"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []types.UserEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event types.UserEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) eventTypes() []types.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.EventType, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

type fixture struct {
	repo      *store.MemoryUserRepository
	users     *UserService
	graph     *GraphService
	proximity *ProximityService
	events    *recordingPublisher
}

func newFixture(t *testing.T, policy store.DeletePolicy) fixture {
	t.Helper()
	repo := store.NewMemoryUserRepository()
	events := &recordingPublisher{}
	opts := Options{Events: events}
	graph := NewGraphService(repo, opts)
	return fixture{
		repo:      repo,
		users:     NewUserService(repo, graph, policy, opts),
		graph:     graph,
		proximity: NewProximityService(repo, opts),
		events:    events,
	}
}

func newUserInput(username string, lon, lat float64) types.NewUser {
	dob := types.NewDate(1999, time.December, 31)
	return types.NewUser{
		Username:    username,
		Name:        "Test " + username,
		DOB:         &dob,
		Address:     "123 Testing Lane",
		Description: "Just a test user",
		Location:    &types.Location{Type: "Point", Coordinates: []float64{lon, lat}},
	}
}

func (f fixture) mustCreate(t *testing.T, username string, lon, lat float64) types.User {
	t.Helper()
	user, err := f.users.Create(context.Background(), newUserInput(username, lon, lat))
	require.NoError(t, err)
	return user
}

func strPtr(s string) *string { return &s }

func TestCreateAssignsIdentityAndNormalizes(t *testing.T) {
	f := newFixture(t, store.LeaveDangling)
	input := newUserInput("  alice  ", 106.8456, -6.2088)
	input.Location.Type = ""

	before := time.Now().UTC()
	user, err := f.users.Create(context.Background(), input)
	require.NoError(t, err)

	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, types.PointType, user.Location.Type)
	assert.Equal(t, []float64{106.8456, -6.2088}, user.Location.Coordinates)
	assert.Empty(t, user.Followers)
	assert.Empty(t, user.Following)
	assert.False(t, user.CreatedAt.Before(before.Add(-time.Second)))
	assert.Equal(t, time.UTC, user.CreatedAt.Location())
	assert.Equal(t, []types.EventType{types.EventUserCreated}, f.events.eventTypes())

	got, err := f.users.GetByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
}

func TestCreateAssignsDistinctIDs(t *testing.T) {
	f := newFixture(t, store.LeaveDangling)
	a := f.mustCreate(t, "alice", 0, 0)
	b := f.mustCreate(t, "bob", 0, 0)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestCreateMissingAddressIsIncomplete(t *testing.T) {
	f := newFixture(t, store.LeaveDangling)
	input := newUserInput("alice", 0, 0)
	input.Address = "   "

	_, err := f.users.Create(context.Background(), input)
	require.ErrorIs(t, err, ErrIncompleteData)
	assert.Contains(t, err.Error(), "address")

	users, err := f.users.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, users)
	assert.Empty(t, f.events.eventTypes())
}

func TestCreateListsEveryMissingField(t *testing.T) {
	f := newFixture(t, store.LeaveDangling)

	_, err := f.users.Create(context.Background(), types.NewUser{Username: "alice"})
	require.ErrorIs(t, err, ErrIncompleteData)
	for _, field := range []string{"name", "address", "description", "dob", "location"} {
		assert.Contains(t, err.Error(), field)
	}
}

func TestCreateRejectsBadLocation(t *testing.T) {
	tests := []struct {
		name     string
		location *types.Location
	}{
		{"single coordinate", &types.Location{Type: "Point", Coordinates: []float64{1}}},
		{"three coordinates", &types.Location{Type: "Point", Coordinates: []float64{1, 2, 3}}},
		{"longitude out of range", &types.Location{Type: "Point", Coordinates: []float64{181, 0}}},
		{"latitude out of range", &types.Location{Type: "Point", Coordinates: []float64{0, -90.5}}},
		{"not a point", &types.Location{Type: "Polygon", Coordinates: []float64{0, 0}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, store.LeaveDangling)
			input := newUserInput("alice", 0, 0)
			input.Location = tt.location

			_, err := f.users.Create(context.Background(), input)
			assert.ErrorIs(t, err, ErrIncompleteData)
		})
	}
}

func TestCreateDuplicateUsername(t *testing.T) {
	f := newFixture(t, store.LeaveDangling)
	f.mustCreate(t, "alice", 0, 0)

	_, err := f.users.Create(context.Background(), newUserInput("alice", 1, 1))
	assert.ErrorIs(t, err, store.ErrDuplicateUsername)
}

func TestCreateSucceedsWhenPublishingFails(t *testing.T) {
	f := newFixture(t, store.LeaveDangling)
	f.events.err = errors.New("broker unavailable")

	user, err := f.users.Create(context.Background(), newUserInput("alice", 0, 0))
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
}

func TestUpdateAppliesOnlySuppliedFields(t *testing.T) {
	f := newFixture(t, store.LeaveDangling)
	alice := f.mustCreate(t, "alice", 0, 0)
	bob := f.mustCreate(t, "bob", 0, 0)
	_, err := f.graph.Follow(context.Background(), alice.ID, bob.ID)
	require.NoError(t, err)

	updated, err := f.users.Update(context.Background(), alice.ID, types.UserPatch{
		Description: strPtr("  new bio "),
		Location:    &types.Location{Coordinates: []float64{10, 20}},
	})
	require.NoError(t, err)

	assert.Equal(t, "new bio", updated.Description)
	assert.Equal(t, alice.Name, updated.Name)
	assert.Equal(t, alice.Address, updated.Address)
	assert.Equal(t, alice.CreatedAt, updated.CreatedAt)
	assert.Equal(t, []float64{10, 20}, updated.Location.Coordinates)
	assert.Equal(t, []string{bob.ID}, updated.Following)
}

func TestUpdateRejectsBlankFields(t *testing.T) {
	f := newFixture(t, store.LeaveDangling)
	alice := f.mustCreate(t, "alice", 0, 0)

	_, err := f.users.Update(context.Background(), alice.ID, types.UserPatch{Name: strPtr(" ")})
	require.ErrorIs(t, err, ErrIncompleteData)

	got, err := f.users.GetByID(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, alice.Name, got.Name)
}

func TestUpdateMissingUser(t *testing.T) {
	f := newFixture(t, store.LeaveDangling)

	_, err := f.users.Update(context.Background(), "nope", types.UserPatch{Name: strPtr("x")})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.users.Update(context.Background(), "nope", types.UserPatch{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateUsernameCollision(t *testing.T) {
	f := newFixture(t, store.LeaveDangling)
	alice := f.mustCreate(t, "alice", 0, 0)
	f.mustCreate(t, "bob", 0, 0)

	_, err := f.users.Update(context.Background(), alice.ID, types.UserPatch{Username: strPtr("bob")})
	assert.ErrorIs(t, err, store.ErrDuplicateUsername)

	updated, err := f.users.Update(context.Background(), alice.ID, types.UserPatch{Username: strPtr("alice")})
	require.NoError(t, err)
	assert.Equal(t, "alice", updated.Username)
}

func TestUpdateReplacesEdgeSetsSymmetrically(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.LeaveDangling)
	alice := f.mustCreate(t, "alice", 0, 0)
	bob := f.mustCreate(t, "bob", 0, 0)
	carol := f.mustCreate(t, "carol", 0, 0)
	_, err := f.graph.Follow(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	following := []string{carol.ID}
	followers := []string{bob.ID}
	updated, err := f.users.Update(ctx, alice.ID, types.UserPatch{Following: &following, Followers: &followers})
	require.NoError(t, err)
	assert.Equal(t, []string{carol.ID}, updated.Following)
	assert.Equal(t, []string{bob.ID}, updated.Followers)

	b, _ := f.users.GetByID(ctx, bob.ID)
	c, _ := f.users.GetByID(ctx, carol.ID)
	assert.Empty(t, b.Followers)
	assert.Equal(t, []string{alice.ID}, b.Following)
	assert.Equal(t, []string{alice.ID}, c.Followers)
}

func TestUpdateEdgeReplacementValidatesBeforeWriting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.LeaveDangling)
	alice := f.mustCreate(t, "alice", 0, 0)
	bob := f.mustCreate(t, "bob", 0, 0)

	self := []string{bob.ID, alice.ID}
	_, err := f.users.Update(ctx, alice.ID, types.UserPatch{Name: strPtr("Changed"), Following: &self})
	require.ErrorIs(t, err, ErrSelfFollow)

	unknown := []string{bob.ID, "ghost"}
	_, err = f.users.Update(ctx, alice.ID, types.UserPatch{Name: strPtr("Changed"), Following: &unknown})
	require.ErrorIs(t, err, store.ErrNotFound)

	got, _ := f.users.GetByID(ctx, alice.ID)
	assert.Equal(t, alice.Name, got.Name)
	assert.Empty(t, got.Following)
	b, _ := f.users.GetByID(ctx, bob.ID)
	assert.Empty(t, b.Followers)
}

func TestUpdateEdgeReplacementDropsDanglingIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.LeaveDangling)
	alice := f.mustCreate(t, "alice", 0, 0)
	bob := f.mustCreate(t, "bob", 0, 0)
	carol := f.mustCreate(t, "carol", 0, 0)
	_, err := f.graph.Follow(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	_, err = f.graph.Follow(ctx, carol.ID, bob.ID)
	require.NoError(t, err)
	_, err = f.users.Delete(ctx, bob.ID)
	require.NoError(t, err)

	empty := []string{}
	updated, err := f.users.Update(ctx, alice.ID, types.UserPatch{Following: &empty})
	require.NoError(t, err)
	assert.Empty(t, updated.Following)

	// Only the patched user changes under leave-dangling.
	untouched, err := f.users.GetByID(ctx, carol.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{bob.ID}, untouched.Following)
}

func TestDeleteThenGetIsNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.LeaveDangling)
	alice := f.mustCreate(t, "alice", 0, 0)

	deleted, err := f.users.Delete(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = f.users.GetByID(ctx, alice.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	deleted, err = f.users.Delete(ctx, alice.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	// The username is free again.
	f.mustCreate(t, "alice", 0, 0)
}

func TestDeletePolicies(t *testing.T) {
	tests := []struct {
		policy       store.DeletePolicy
		wantDangling bool
	}{
		{store.LeaveDangling, true},
		{store.Cascade, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, tt.policy)
			alice := f.mustCreate(t, "alice", 0, 0)
			bob := f.mustCreate(t, "bob", 0, 0)
			_, _ = f.graph.Follow(ctx, alice.ID, bob.ID)
			_, _ = f.graph.Follow(ctx, bob.ID, alice.ID)

			deleted, err := f.users.Delete(ctx, bob.ID)
			require.NoError(t, err)
			require.True(t, deleted)

			got, err := f.users.GetByID(ctx, alice.ID)
			require.NoError(t, err)
			if tt.wantDangling {
				assert.Equal(t, []string{bob.ID}, got.Following)
				assert.Equal(t, []string{bob.ID}, got.Followers)
			} else {
				assert.Empty(t, got.Following)
				assert.Empty(t, got.Followers)
			}
		})
	}
}

func TestUsernamesStayUniqueUnderRandomOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.LeaveDangling)
	rng := rand.New(rand.NewSource(7))
	names := []string{"ann", "ben", "cat", "dan", "eve"}

	var ids []string
	for i := 0; i < 300; i++ {
		name := names[rng.Intn(len(names))]
		if len(ids) == 0 || rng.Intn(2) == 0 {
			user, err := f.users.Create(ctx, newUserInput(name, 0, 0))
			if err != nil {
				require.ErrorIs(t, err, store.ErrDuplicateUsername)
				continue
			}
			ids = append(ids, user.ID)
			continue
		}
		_, err := f.users.Update(ctx, ids[rng.Intn(len(ids))], types.UserPatch{Username: strPtr(name)})
		if err != nil {
			require.ErrorIs(t, err, store.ErrDuplicateUsername)
		}
	}

	users, err := f.users.List(ctx)
	require.NoError(t, err)
	seen := make(map[string]bool)
	for _, user := range users {
		assert.False(t, seen[user.Username], fmt.Sprintf("username %q appears twice", user.Username))
		seen[user.Username] = true
	}
}
