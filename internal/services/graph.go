package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/userdir/apiserver/internal/metrics"
	"github.com/userdir/apiserver/internal/store"
	"github.com/userdir/apiserver/types"
)

// GraphService owns follow edges. Every mutation goes through
// UserRepository.SetEdge, which writes both sides of an edge together.
type GraphService struct {
	repo    UserRepository
	events  notifier
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewGraphService constructs the follow graph service.
func NewGraphService(repo UserRepository, opts Options) *GraphService {
	opts = opts.withDefaults()
	return &GraphService{
		repo:    repo,
		events:  opts.notifier(),
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

// Follow makes followerID follow targetID. Following an already followed
// user succeeds without changes.
func (s *GraphService) Follow(ctx context.Context, followerID, targetID string) (bool, error) {
	if followerID == targetID {
		s.metrics.GraphMutation("follow", metrics.ResultRejected)
		s.logger.Info("self follow rejected", zap.String("user_id", followerID))
		return false, ErrSelfFollow
	}
	return s.setEdge(ctx, "follow", followerID, targetID, true)
}

// Unfollow removes the edge. Unfollowing a user that is not followed
// succeeds without changes.
func (s *GraphService) Unfollow(ctx context.Context, followerID, targetID string) (bool, error) {
	if followerID == targetID {
		// No self edge can exist; only existence is checked.
		if _, err := s.repo.GetByID(ctx, followerID); err != nil {
			s.metrics.GraphMutation("unfollow", metrics.ResultRejected)
			return false, err
		}
		s.metrics.GraphMutation("unfollow", metrics.ResultUnchanged)
		return false, nil
	}
	return s.setEdge(ctx, "unfollow", followerID, targetID, false)
}

func (s *GraphService) setEdge(ctx context.Context, op, followerID, targetID string, present bool) (bool, error) {
	changed, err := s.repo.SetEdge(ctx, followerID, targetID, present)
	fields := []zap.Field{zap.String("follower_id", followerID), zap.String("target_id", targetID)}
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.metrics.GraphMutation(op, metrics.ResultRejected)
		s.logger.Info(op+" rejected: user missing", fields...)
		return false, err
	case err != nil:
		s.metrics.GraphMutation(op, metrics.ResultError)
		s.logger.Error(op+" failed", append(fields, zap.Error(err))...)
		return false, err
	}

	if !changed {
		s.metrics.GraphMutation(op, metrics.ResultUnchanged)
		s.logger.Debug(op+" was a no-op", fields...)
		return false, nil
	}

	s.metrics.GraphMutation(op, metrics.ResultChanged)
	s.logger.Info(op+" applied", fields...)
	eventType := types.EventUnfollowed
	if present {
		eventType = types.EventFollowed
	}
	s.events.emit(ctx, eventType, followerID, targetID)
	return true, nil
}

// FollowersOf returns the ids following userID, or an empty list when the
// user does not exist.
func (s *GraphService) FollowersOf(ctx context.Context, userID string) ([]string, error) {
	user, err := s.repo.GetByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return user.Followers, nil
}

// FollowingOf returns the ids userID follows, or an empty list when the
// user does not exist.
func (s *GraphService) FollowingOf(ctx context.Context, userID string) ([]string, error) {
	user, err := s.repo.GetByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return user.Following, nil
}

// CheckEdgeSets validates replacement edge lists for userID without
// writing anything. A nil list is not checked.
func (s *GraphService) CheckEdgeSets(ctx context.Context, userID string, followers, following *[]string) error {
	if _, err := s.repo.GetByID(ctx, userID); err != nil {
		return err
	}

	checked := make(map[string]struct{})
	for _, list := range []*[]string{followers, following} {
		if list == nil {
			continue
		}
		for _, id := range *list {
			if id == userID {
				return ErrSelfFollow
			}
			if _, done := checked[id]; done {
				continue
			}
			checked[id] = struct{}{}
			if _, err := s.repo.GetByID(ctx, id); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%w: user %s", store.ErrNotFound, id)
				}
				return err
			}
		}
	}
	return nil
}

// ReplaceEdges makes userID's followers and following sets equal to the
// given lists. Each added or removed edge is applied symmetrically on its
// own, so a failure part way leaves a consistent but partially replaced
// graph.
func (s *GraphService) ReplaceEdges(ctx context.Context, userID string, followers, following *[]string) error {
	if err := s.CheckEdgeSets(ctx, userID, followers, following); err != nil {
		return err
	}
	return s.replaceEdges(ctx, userID, followers, following)
}

func (s *GraphService) replaceEdges(ctx context.Context, userID string, followers, following *[]string) error {
	current, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	if following != nil {
		err := s.applyDiff(current.Following, *following, func(id string, present bool) error {
			return s.replaceEdge(ctx, userID, id, present)
		})
		if err != nil {
			return err
		}
	}
	if followers != nil {
		err := s.applyDiff(current.Followers, *followers, func(id string, present bool) error {
			return s.replaceEdge(ctx, id, userID, present)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *GraphService) applyDiff(current, desired []string, apply func(id string, present bool) error) error {
	want := toSet(desired)
	have := toSet(current)
	for _, id := range current {
		if _, keep := want[id]; !keep {
			if err := apply(id, false); err != nil {
				return err
			}
		}
	}
	for _, id := range desired {
		if _, exists := have[id]; !exists {
			if err := apply(id, true); err != nil {
				return err
			}
			have[id] = struct{}{}
		}
	}
	return nil
}

// replaceEdge applies one edge. Removing an edge to a deleted user cannot go
// through SetEdge, so only that one edge is dropped; other users keep their
// references to the deleted id.
func (s *GraphService) replaceEdge(ctx context.Context, followerID, targetID string, present bool) error {
	op := "follow"
	if !present {
		op = "unfollow"
	}
	_, err := s.setEdge(ctx, op, followerID, targetID, present)
	if present || !errors.Is(err, store.ErrNotFound) {
		return err
	}

	s.logger.Info("dropping edge to missing user",
		zap.String("follower_id", followerID), zap.String("target_id", targetID))
	if _, dropErr := s.repo.DropEdge(ctx, followerID, targetID); dropErr != nil {
		s.metrics.GraphMutation(op, metrics.ResultError)
		return dropErr
	}
	return nil
}

// EdgeMismatch is an edge recorded on only one side. Present reports
// whether the follower's following set holds the target. That side is
// written first, so it reflects the intended state.
type EdgeMismatch struct {
	FollowerID string `json:"follower_id"`
	TargetID   string `json:"target_id"`
	Present    bool   `json:"present"`
}

// DanglingRef is an id in UserID's edge set that belongs to no user.
type DanglingRef struct {
	UserID    string `json:"user_id"`
	MissingID string `json:"missing_id"`
	Set       string `json:"set"`
}

// GraphReport lists the edge inconsistencies found in a snapshot.
type GraphReport struct {
	Users      int            `json:"users"`
	Asymmetric []EdgeMismatch `json:"asymmetric"`
	Dangling   []DanglingRef  `json:"dangling"`
}

// Consistent reports whether no problem was found.
func (r GraphReport) Consistent() bool {
	return len(r.Asymmetric) == 0 && len(r.Dangling) == 0
}

// RepairResult counts the fixes applied by Repair.
type RepairResult struct {
	Completed int `json:"completed"`
	Removed   int `json:"removed"`
	Scrubbed  int `json:"scrubbed"`
}

// FindEdgeMismatches compares both projections of every edge in users.
func FindEdgeMismatches(users []types.User) GraphReport {
	byID := make(map[string]types.User, len(users))
	followers := make(map[string]map[string]struct{}, len(users))
	following := make(map[string]map[string]struct{}, len(users))
	for _, user := range users {
		byID[user.ID] = user
		followers[user.ID] = toSet(user.Followers)
		following[user.ID] = toSet(user.Following)
	}

	report := GraphReport{Users: len(users), Asymmetric: []EdgeMismatch{}, Dangling: []DanglingRef{}}
	for _, user := range users {
		for _, target := range user.Following {
			if _, ok := byID[target]; !ok {
				report.Dangling = append(report.Dangling, DanglingRef{UserID: user.ID, MissingID: target, Set: "following"})
				continue
			}
			if _, ok := followers[target][user.ID]; !ok {
				report.Asymmetric = append(report.Asymmetric, EdgeMismatch{FollowerID: user.ID, TargetID: target, Present: true})
			}
		}
		for _, follower := range user.Followers {
			if _, ok := byID[follower]; !ok {
				report.Dangling = append(report.Dangling, DanglingRef{UserID: user.ID, MissingID: follower, Set: "followers"})
				continue
			}
			if _, ok := following[follower][user.ID]; !ok {
				report.Asymmetric = append(report.Asymmetric, EdgeMismatch{FollowerID: follower, TargetID: user.ID, Present: false})
			}
		}
	}

	sort.Slice(report.Asymmetric, func(i, j int) bool {
		a, b := report.Asymmetric[i], report.Asymmetric[j]
		if a.FollowerID != b.FollowerID {
			return a.FollowerID < b.FollowerID
		}
		return a.TargetID < b.TargetID
	})
	sort.Slice(report.Dangling, func(i, j int) bool {
		a, b := report.Dangling[i], report.Dangling[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.Set != b.Set {
			return a.Set < b.Set
		}
		return a.MissingID < b.MissingID
	})
	return report
}

// Check scans every user for asymmetric edges and dangling references.
// The scan is not a snapshot, so edges mutated while it runs may show up.
func (s *GraphService) Check(ctx context.Context) (GraphReport, error) {
	users, err := s.repo.List(ctx)
	if err != nil {
		return GraphReport{}, err
	}
	report := FindEdgeMismatches(users)
	s.metrics.SetInconsistencies(len(report.Asymmetric), len(report.Dangling))
	s.logger.Info("graph checked",
		zap.Int("users", report.Users),
		zap.Int("asymmetric", len(report.Asymmetric)),
		zap.Int("dangling", len(report.Dangling)),
	)
	return report, nil
}

// Repair drives every asymmetric edge to the state of its following side
// and scrubs dangling ids from all edge sets.
func (s *GraphService) Repair(ctx context.Context, report GraphReport) (RepairResult, error) {
	var result RepairResult
	for _, mismatch := range report.Asymmetric {
		_, err := s.repo.SetEdge(ctx, mismatch.FollowerID, mismatch.TargetID, mismatch.Present)
		if errors.Is(err, store.ErrNotFound) {
			// Deleted since the check; its references are scrubbed below or on the next run.
			continue
		}
		if err != nil {
			s.metrics.GraphMutation("repair", metrics.ResultError)
			return result, fmt.Errorf("repair edge %s -> %s: %w", mismatch.FollowerID, mismatch.TargetID, err)
		}
		s.metrics.GraphMutation("repair", metrics.ResultChanged)
		if mismatch.Present {
			result.Completed++
		} else {
			result.Removed++
		}
	}

	scrubbed := make(map[string]struct{})
	for _, ref := range report.Dangling {
		if _, done := scrubbed[ref.MissingID]; done {
			continue
		}
		if err := s.repo.RemoveReferences(ctx, ref.MissingID); err != nil {
			return result, fmt.Errorf("scrub %s: %w", ref.MissingID, err)
		}
		scrubbed[ref.MissingID] = struct{}{}
		result.Scrubbed++
	}

	s.logger.Info("graph repaired",
		zap.Int("completed", result.Completed),
		zap.Int("removed", result.Removed),
		zap.Int("scrubbed", result.Scrubbed),
	)
	return result, nil
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
