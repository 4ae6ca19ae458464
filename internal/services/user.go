package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/userdir/apiserver/internal/geo"
	"github.com/userdir/apiserver/internal/store"
	"github.com/userdir/apiserver/types"
)

// UserRepository defines persistence operations for users and their edges.
type UserRepository interface {
	Create(ctx context.Context, user types.User) (types.User, error)
	GetByID(ctx context.Context, id string) (types.User, error)
	GetByUsername(ctx context.Context, username string) (types.User, error)
	List(ctx context.Context) ([]types.User, error)
	Update(ctx context.Context, id string, patch types.UserPatch) (types.User, error)
	Delete(ctx context.Context, id string, cascade bool) (bool, error)
	SetEdge(ctx context.Context, followerID, targetID string, present bool) (bool, error)
	DropEdge(ctx context.Context, followerID, targetID string) (bool, error)
	RemoveReferences(ctx context.Context, id string) error
	FindNear(ctx context.Context, origin geo.Point, maxMeters float64, candidateIDs []string) ([]store.Neighbor, error)
}

// UserService encapsulates profile use-cases.
type UserService struct {
	repo   UserRepository
	graph  *GraphService
	policy store.DeletePolicy
	events notifier
	logger *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewUserService constructs the profile service. graph applies edge
// replacements requested through Update.
func NewUserService(repo UserRepository, graph *GraphService, policy store.DeletePolicy, opts Options) *UserService {
	opts = opts.withDefaults()
	return &UserService{
		repo:   repo,
		graph:  graph,
		policy: policy,
		events: opts.notifier(),
		logger: opts.Logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// DeletePolicy reports how edge references of deleted users are handled.
func (s *UserService) DeletePolicy() store.DeletePolicy {
	return s.policy
}

// GetByID returns the user with the given id.
func (s *UserService) GetByID(ctx context.Context, id string) (types.User, error) {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		s.logger.Debug("get user failed", zap.String("user_id", id), zap.Error(err))
		return types.User{}, err
	}
	return user, nil
}

// GetByUsername returns the user with the given username.
func (s *UserService) GetByUsername(ctx context.Context, username string) (types.User, error) {
	return s.repo.GetByUsername(ctx, strings.TrimSpace(username))
}

// List returns every user.
func (s *UserService) List(ctx context.Context) ([]types.User, error) {
	return s.repo.List(ctx)
}

// Create validates completeness, assigns identity and persists the user.
// Edge sets always start empty.
func (s *UserService) Create(ctx context.Context, input types.NewUser) (types.User, error) {
	user, err := s.normalizeNew(input)
	if err != nil {
		s.logger.Info("create user rejected", zap.String("username", input.Username), zap.Error(err))
		return types.User{}, err
	}

	created, err := s.repo.Create(ctx, user)
	if err != nil {
		s.logger.Error("create user failed", zap.String("username", user.Username), zap.Error(err))
		return types.User{}, err
	}

	s.logger.Info("user created", zap.String("user_id", created.ID), zap.String("username", created.Username))
	s.events.emit(ctx, types.EventUserCreated, created.ID, "")
	return created, nil
}

func (s *UserService) normalizeNew(input types.NewUser) (types.User, error) {
	user := types.User{
		Username:    strings.TrimSpace(input.Username),
		Name:        strings.TrimSpace(input.Name),
		Address:     strings.TrimSpace(input.Address),
		Description: strings.TrimSpace(input.Description),
	}

	var missing []string
	for _, field := range []struct {
		name  string
		value string
	}{
		{"username", user.Username},
		{"name", user.Name},
		{"address", user.Address},
		{"description", user.Description},
	} {
		if field.value == "" {
			missing = append(missing, field.name)
		}
	}
	if input.DOB == nil || input.DOB.IsZero() {
		missing = append(missing, "dob")
	} else {
		user.DOB = *input.DOB
	}

	location, problems := normalizeLocation(input.Location)
	missing = append(missing, problems...)
	if len(missing) > 0 {
		return types.User{}, incomplete(missing)
	}

	user.Location = location
	user.ID = s.newID()
	user.CreatedAt = s.now().UTC()
	user.Followers = []string{}
	user.Following = []string{}
	return user, nil
}

// Update applies the supplied scalar fields and, when followers or
// following are present in the patch, replaces those edge sets through the
// graph service. Edge lists are validated before anything is written.
func (s *UserService) Update(ctx context.Context, id string, patch types.UserPatch) (types.User, error) {
	patch, err := normalizePatch(patch)
	if err != nil {
		s.logger.Info("update user rejected", zap.String("user_id", id), zap.Error(err))
		return types.User{}, err
	}

	replacesEdges := patch.Followers != nil || patch.Following != nil
	if replacesEdges {
		if err := s.graph.CheckEdgeSets(ctx, id, patch.Followers, patch.Following); err != nil {
			s.logger.Info("update user rejected", zap.String("user_id", id), zap.Error(err))
			return types.User{}, err
		}
	}

	var updated types.User
	if patch.HasScalarChanges() {
		updated, err = s.repo.Update(ctx, id, patch)
	} else {
		updated, err = s.repo.GetByID(ctx, id)
	}
	if err != nil {
		s.logger.Error("update user failed", zap.String("user_id", id), zap.Error(err))
		return types.User{}, err
	}

	if replacesEdges {
		if err := s.graph.replaceEdges(ctx, id, patch.Followers, patch.Following); err != nil {
			s.logger.Error("replace edges failed", zap.String("user_id", id), zap.Error(err))
			return types.User{}, err
		}
		if updated, err = s.repo.GetByID(ctx, id); err != nil {
			return types.User{}, err
		}
	}

	s.logger.Info("user updated", zap.String("user_id", id))
	s.events.emit(ctx, types.EventUserUpdated, id, "")
	return updated, nil
}

func normalizePatch(patch types.UserPatch) (types.UserPatch, error) {
	var missing []string
	trim := func(name string, value *string) *string {
		if value == nil {
			return nil
		}
		trimmed := strings.TrimSpace(*value)
		if trimmed == "" {
			missing = append(missing, name)
		}
		return &trimmed
	}

	patch.Username = trim("username", patch.Username)
	patch.Name = trim("name", patch.Name)
	patch.Address = trim("address", patch.Address)
	patch.Description = trim("description", patch.Description)
	if patch.DOB != nil && patch.DOB.IsZero() {
		missing = append(missing, "dob")
	}
	if patch.Location != nil {
		location, problems := normalizeLocation(patch.Location)
		missing = append(missing, problems...)
		patch.Location = location
	}
	if len(missing) > 0 {
		return types.UserPatch{}, incomplete(missing)
	}
	return patch, nil
}

// Delete removes the user. Edge references held by other users are kept or
// scrubbed according to the configured policy.
func (s *UserService) Delete(ctx context.Context, id string) (bool, error) {
	deleted, err := s.repo.Delete(ctx, id, s.policy == store.Cascade)
	if err != nil {
		s.logger.Error("delete user failed", zap.String("user_id", id), zap.Error(err))
		return false, err
	}
	if !deleted {
		s.logger.Info("delete user missed", zap.String("user_id", id))
		return false, nil
	}

	s.logger.Info("user deleted", zap.String("user_id", id), zap.String("policy", string(s.policy)))
	s.events.emit(ctx, types.EventUserDeleted, id, "")
	return true, nil
}

// normalizeLocation defaults the geometry type and checks the coordinate
// pair. It returns the names of the fields that are missing or invalid.
func normalizeLocation(loc *types.Location) (*types.Location, []string) {
	if loc == nil {
		return nil, []string{"location"}
	}

	var problems []string
	kind := strings.TrimSpace(loc.Type)
	if kind == "" {
		kind = types.PointType
	}
	if kind != types.PointType {
		problems = append(problems, "location.type")
	}
	if len(loc.Coordinates) != 2 {
		return nil, append(problems, "location.coordinates")
	}
	point := geo.Point{Lon: loc.Coordinates[0], Lat: loc.Coordinates[1]}
	if err := point.Validate(); err != nil {
		problems = append(problems, "location.coordinates")
	}
	if len(problems) > 0 {
		return nil, problems
	}
	return types.NewPoint(point.Lon, point.Lat), nil
}

func incomplete(fields []string) error {
	return fmt.Errorf("%w: %s", ErrIncompleteData, strings.Join(fields, ", "))
}
