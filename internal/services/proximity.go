package services

import (
	"context"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/userdir/apiserver/internal/geo"
	"github.com/userdir/apiserver/internal/metrics"
	"github.com/userdir/apiserver/internal/store"
)

// DefaultNearbyDistance is the radius used when the caller gives none.
const DefaultNearbyDistance = 1000.0

// ProximityService answers "which of the users I follow are near me".
type ProximityService struct {
	repo    UserRepository
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewProximityService constructs the nearby lookup service.
func NewProximityService(repo UserRepository, opts Options) *ProximityService {
	opts = opts.withDefaults()
	return &ProximityService{
		repo:    repo,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

// Nearby returns the users followed by username whose location is within
// maxMeters (inclusive) of username's own location, nearest first and ties
// ordered by id. Users outside the following set are never considered.
func (s *ProximityService) Nearby(ctx context.Context, username string, maxMeters float64) ([]store.Neighbor, error) {
	if math.IsNaN(maxMeters) || math.IsInf(maxMeters, 0) || maxMeters < 0 {
		return nil, ErrInvalidDistance
	}

	subject, err := s.repo.GetByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		s.logger.Info("nearby subject lookup failed", zap.String("username", username), zap.Error(err))
		return nil, err
	}
	if !subject.Location.Complete() {
		s.logger.Info("nearby subject has no location", zap.String("user_id", subject.ID))
		return nil, store.ErrNotFound
	}

	candidates := make([]string, 0, len(subject.Following))
	for _, id := range subject.Following {
		if id != subject.ID {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		s.metrics.NearbyResult(0)
		return []store.Neighbor{}, nil
	}

	origin := geo.Point{Lon: subject.Location.Lon(), Lat: subject.Location.Lat()}
	neighbors, err := s.repo.FindNear(ctx, origin, maxMeters, candidates)
	if err != nil {
		s.logger.Error("nearby query failed", zap.String("user_id", subject.ID), zap.Error(err))
		return nil, err
	}

	s.metrics.NearbyResult(len(neighbors))
	s.logger.Info("nearby resolved",
		zap.String("user_id", subject.ID),
		zap.Float64("max_meters", maxMeters),
		zap.Int("candidates", len(candidates)),
		zap.Int("results", len(neighbors)),
	)
	return neighbors, nil
}
