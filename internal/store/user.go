package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/userdir/apiserver/internal/geo"
	"github.com/userdir/apiserver/types"
)

const uniqueViolation = "23505"

// userColumns projects a users row plus its edge sets. Edges live in the
// follows table, one row per (follower, target) pair, so both projections
// always agree.
const userColumns = `
	u.id, u.username, u.name, u.dob, u.address, u.description,
	ST_X(u.location::geometry) AS lon,
	ST_Y(u.location::geometry) AS lat,
	ARRAY(SELECT f.follower_id FROM follows f WHERE f.target_id = u.id ORDER BY f.follower_id) AS followers,
	ARRAY(SELECT f.target_id FROM follows f WHERE f.follower_id = u.id ORDER BY f.target_id) AS following,
	u.created_at`

const pointExpr = `ST_SetSRID(ST_MakePoint(%s, %s), 4326)::geography`

type userRow struct {
	ID          string         `db:"id"`
	Username    string         `db:"username"`
	Name        string         `db:"name"`
	DOB         types.Date     `db:"dob"`
	Address     string         `db:"address"`
	Description string         `db:"description"`
	Lon         float64        `db:"lon"`
	Lat         float64        `db:"lat"`
	Followers   pq.StringArray `db:"followers"`
	Following   pq.StringArray `db:"following"`
	CreatedAt   time.Time      `db:"created_at"`
}

type neighborRow struct {
	userRow
	Distance float64 `db:"distance"`
}

func (row userRow) toUser() types.User {
	return types.User{
		ID:          row.ID,
		Username:    row.Username,
		Name:        row.Name,
		DOB:         row.DOB,
		Address:     row.Address,
		Description: row.Description,
		Location:    types.NewPoint(row.Lon, row.Lat),
		Followers:   nonNil(row.Followers),
		Following:   nonNil(row.Following),
		CreatedAt:   row.CreatedAt,
	}
}

// UserRepository handles persistence for users in PostgreSQL with PostGIS.
type UserRepository struct {
	db *sqlx.DB
}

func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users u WHERE u.id = $1`
	var row userRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return row.toUser(), nil
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users u WHERE u.username = $1`
	var row userRow
	if err := r.db.GetContext(ctx, &row, query, username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return row.toUser(), nil
}

func (r *UserRepository) List(ctx context.Context) ([]types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users u ORDER BY u.created_at, u.id`
	var rows []userRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}
	users := make([]types.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, row.toUser())
	}
	return users, nil
}

func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	query := `
		INSERT INTO users (id, username, name, dob, address, description, location, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, ` + fmt.Sprintf(pointExpr, "$7", "$8") + `, $9, $9)`
	_, err := r.db.ExecContext(
		ctx,
		query,
		user.ID,
		user.Username,
		user.Name,
		user.DOB,
		user.Address,
		user.Description,
		user.Location.Lon(),
		user.Location.Lat(),
		user.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.User{}, ErrDuplicateUsername
		}
		return types.User{}, err
	}
	return r.GetByID(ctx, user.ID)
}

func (r *UserRepository) Update(ctx context.Context, id string, patch types.UserPatch) (types.User, error) {
	var (
		sets []string
		args []any
	)
	next := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Username != nil {
		sets = append(sets, "username = "+next(*patch.Username))
	}
	if patch.Name != nil {
		sets = append(sets, "name = "+next(*patch.Name))
	}
	if patch.DOB != nil {
		sets = append(sets, "dob = "+next(*patch.DOB))
	}
	if patch.Address != nil {
		sets = append(sets, "address = "+next(*patch.Address))
	}
	if patch.Description != nil {
		sets = append(sets, "description = "+next(*patch.Description))
	}
	if patch.Location.Complete() {
		lon := next(patch.Location.Lon())
		lat := next(patch.Location.Lat())
		sets = append(sets, "location = "+fmt.Sprintf(pointExpr, lon, lat))
	}
	if len(sets) == 0 {
		return r.GetByID(ctx, id)
	}
	sets = append(sets, "updated_at = NOW()")

	query := `UPDATE users SET ` + strings.Join(sets, ", ") + ` WHERE id = ` + next(id)
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return types.User{}, ErrDuplicateUsername
		}
		return types.User{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return types.User{}, err
	}
	if affected == 0 {
		return types.User{}, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *UserRepository) Delete(ctx context.Context, id string, cascade bool) (bool, error) {
	deleted := false
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		deleted = affected > 0
		if deleted && cascade {
			_, err = tx.ExecContext(ctx, `DELETE FROM follows WHERE follower_id = $1 OR target_id = $1`, id)
		}
		return err
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// SetEdge adds or removes the follows row for the pair. Both users are
// locked FOR SHARE so a concurrent delete cannot orphan a new edge.
func (r *UserRepository) SetEdge(ctx context.Context, followerID, targetID string, present bool) (bool, error) {
	changed := false
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		var ids []string
		const lockQuery = `SELECT id FROM users WHERE id IN ($1, $2) ORDER BY id FOR SHARE`
		if err := tx.SelectContext(ctx, &ids, lockQuery, followerID, targetID); err != nil {
			return err
		}
		if len(ids) != 2 {
			return ErrNotFound
		}

		var (
			result sql.Result
			err    error
		)
		if present {
			result, err = tx.ExecContext(ctx, `
				INSERT INTO follows (follower_id, target_id)
				VALUES ($1, $2)
				ON CONFLICT (follower_id, target_id) DO NOTHING`, followerID, targetID)
		} else {
			result, err = tx.ExecContext(ctx,
				`DELETE FROM follows WHERE follower_id = $1 AND target_id = $2`, followerID, targetID)
		}
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		changed = affected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// DropEdge deletes the follows row without checking that both users exist.
func (r *UserRepository) DropEdge(ctx context.Context, followerID, targetID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM follows WHERE follower_id = $1 AND target_id = $2`, followerID, targetID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *UserRepository) RemoveReferences(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM follows WHERE follower_id = $1 OR target_id = $1`, id)
	return err
}

// FindNear relies on the GIST index over users.location. Distances are
// computed on the sphere so they match geo.Distance.
func (r *UserRepository) FindNear(ctx context.Context, origin geo.Point, maxMeters float64, candidateIDs []string) ([]Neighbor, error) {
	if len(candidateIDs) == 0 {
		return []Neighbor{}, nil
	}

	point := fmt.Sprintf(pointExpr, "$1", "$2")
	query := `
		SELECT ` + userColumns + `,
			ST_Distance(u.location, ` + point + `, false) AS distance
		FROM users u
		WHERE u.id = ANY($3)
			AND ST_DWithin(u.location, ` + point + `, $4, false)
		ORDER BY distance, u.id`
	var rows []neighborRow
	if err := r.db.SelectContext(ctx, &rows, query, origin.Lon, origin.Lat, pq.Array(candidateIDs), maxMeters); err != nil {
		return nil, err
	}

	neighbors := make([]Neighbor, 0, len(rows))
	for _, row := range rows {
		neighbors = append(neighbors, Neighbor{User: row.toUser(), Distance: row.Distance})
	}
	return neighbors, nil
}

func (r *UserRepository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
