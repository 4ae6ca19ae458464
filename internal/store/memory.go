package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/userdir/apiserver/internal/geo"
	"github.com/userdir/apiserver/types"
)

// MemoryUserRepository keeps users in process memory. Every method holds a
// single lock, so both sides of an edge change together.
type MemoryUserRepository struct {
	mu        sync.RWMutex
	users     map[string]*memoryUser
	usernames map[string]string
}

type memoryUser struct {
	user      types.User
	followers map[string]struct{}
	following map[string]struct{}
}

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		users:     make(map[string]*memoryUser),
		usernames: make(map[string]string),
	}
}

func (r *MemoryUserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.usernames[user.Username]; taken {
		return types.User{}, ErrDuplicateUsername
	}
	if _, exists := r.users[user.ID]; exists {
		return types.User{}, fmt.Errorf("user %s already exists", user.ID)
	}

	user.Followers = nil
	user.Following = nil
	user.Location = cloneLocation(user.Location)
	r.users[user.ID] = &memoryUser{
		user:      user,
		followers: make(map[string]struct{}),
		following: make(map[string]struct{}),
	}
	r.usernames[user.Username] = user.ID
	return r.users[user.ID].snapshot(), nil
}

func (r *MemoryUserRepository) GetByID(ctx context.Context, id string) (types.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.users[id]
	if !ok {
		return types.User{}, ErrNotFound
	}
	return rec.snapshot(), nil
}

func (r *MemoryUserRepository) GetByUsername(ctx context.Context, username string) (types.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.usernames[username]
	if !ok {
		return types.User{}, ErrNotFound
	}
	return r.users[id].snapshot(), nil
}

// List returns every user ordered by id.
func (r *MemoryUserRepository) List(ctx context.Context) ([]types.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]types.User, 0, len(r.users))
	for _, rec := range r.users {
		users = append(users, rec.snapshot())
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (r *MemoryUserRepository) Update(ctx context.Context, id string, patch types.UserPatch) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.users[id]
	if !ok {
		return types.User{}, ErrNotFound
	}

	if patch.Username != nil && *patch.Username != rec.user.Username {
		if _, taken := r.usernames[*patch.Username]; taken {
			return types.User{}, ErrDuplicateUsername
		}
		delete(r.usernames, rec.user.Username)
		r.usernames[*patch.Username] = id
		rec.user.Username = *patch.Username
	}
	if patch.Name != nil {
		rec.user.Name = *patch.Name
	}
	if patch.DOB != nil {
		rec.user.DOB = *patch.DOB
	}
	if patch.Address != nil {
		rec.user.Address = *patch.Address
	}
	if patch.Description != nil {
		rec.user.Description = *patch.Description
	}
	if patch.Location != nil {
		rec.user.Location = cloneLocation(patch.Location)
	}
	return rec.snapshot(), nil
}

func (r *MemoryUserRepository) Delete(ctx context.Context, id string, cascade bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.users[id]
	if !ok {
		return false, nil
	}
	delete(r.users, id)
	delete(r.usernames, rec.user.Username)
	if cascade {
		r.removeReferencesLocked(id)
	}
	return true, nil
}

func (r *MemoryUserRepository) SetEdge(ctx context.Context, followerID, targetID string, present bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	follower, ok := r.users[followerID]
	if !ok {
		return false, ErrNotFound
	}
	target, ok := r.users[targetID]
	if !ok {
		return false, ErrNotFound
	}

	_, hadFollowing := follower.following[targetID]
	_, hadFollower := target.followers[followerID]
	if present {
		follower.following[targetID] = struct{}{}
		target.followers[followerID] = struct{}{}
		return !hadFollowing || !hadFollower, nil
	}
	delete(follower.following, targetID)
	delete(target.followers, followerID)
	return hadFollowing || hadFollower, nil
}

// DropEdge removes the edge from whichever of its two users still exist.
// Unlike SetEdge it does not require both users, so an edge to a deleted
// user can be cleared without touching anyone else.
func (r *MemoryUserRepository) DropEdge(ctx context.Context, followerID, targetID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	if follower, ok := r.users[followerID]; ok {
		if _, had := follower.following[targetID]; had {
			delete(follower.following, targetID)
			changed = true
		}
	}
	if target, ok := r.users[targetID]; ok {
		if _, had := target.followers[followerID]; had {
			delete(target.followers, followerID)
			changed = true
		}
	}
	return changed, nil
}

func (r *MemoryUserRepository) RemoveReferences(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeReferencesLocked(id)
	return nil
}

func (r *MemoryUserRepository) removeReferencesLocked(id string) {
	for _, rec := range r.users {
		delete(rec.followers, id)
		delete(rec.following, id)
	}
}

// FindNear returns the candidates within maxMeters of origin, nearest first.
// Ties are broken by id.
func (r *MemoryUserRepository) FindNear(ctx context.Context, origin geo.Point, maxMeters float64, candidateIDs []string) ([]Neighbor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(candidateIDs))
	neighbors := make([]Neighbor, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		rec, ok := r.users[id]
		if !ok || !rec.user.Location.Complete() {
			continue
		}
		point := geo.Point{Lon: rec.user.Location.Lon(), Lat: rec.user.Location.Lat()}
		distance := geo.Distance(origin, point)
		if distance > maxMeters {
			continue
		}
		neighbors = append(neighbors, Neighbor{User: rec.snapshot(), Distance: distance})
	}
	SortNeighbors(neighbors)
	return neighbors, nil
}

// SortNeighbors orders by ascending distance, then ascending id.
func SortNeighbors(neighbors []Neighbor) {
	sort.SliceStable(neighbors, func(i, j int) bool {
		if neighbors[i].Distance != neighbors[j].Distance {
			return neighbors[i].Distance < neighbors[j].Distance
		}
		return neighbors[i].User.ID < neighbors[j].User.ID
	})
}

func (m *memoryUser) snapshot() types.User {
	user := m.user
	user.Location = cloneLocation(m.user.Location)
	user.Followers = sortedKeys(m.followers)
	user.Following = sortedKeys(m.following)
	return user
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func cloneLocation(loc *types.Location) *types.Location {
	if loc == nil {
		return nil
	}
	coords := make([]float64, len(loc.Coordinates))
	copy(coords, loc.Coordinates)
	return &types.Location{Type: loc.Type, Coordinates: coords}
}
