package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pharmadist/pharmadist/internal/platform/db"
	"github.com/pharmadist/pharmadist/internal/shared"
)

// Repository reads users and role assignments from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetUser fetches a user by id.
func (r *Repository) GetUser(ctx context.Context, id int64) (User, error) {
	var u User
	err := r.pool.QueryRow(ctx, `SELECT id, email, name, is_active FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Email, &u.Name, &u.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("authz: user %d: %w", id, shared.ErrNotFound)
	}
	return u, err
}

// UserPermissions lists the permissions a user holds globally.
func (r *Repository) UserPermissions(ctx context.Context, userID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT p.name
FROM user_roles ur
JOIN role_permissions rp ON rp.role_id = ur.role_id
JOIN permissions p ON p.id = rp.permission_id
WHERE ur.user_id = $1 AND rp.stage_code = ''
ORDER BY p.name`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// UserStagePermissions lists stage-scoped permissions keyed by stage code.
func (r *Repository) UserStagePermissions(ctx context.Context, userID int64) (map[string][]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT rp.stage_code, p.name
FROM user_roles ur
JOIN role_permissions rp ON rp.role_id = ur.role_id
JOIN permissions p ON p.id = rp.permission_id
WHERE ur.user_id = $1 AND rp.stage_code <> ''
ORDER BY rp.stage_code, p.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]string)
	for rows.Next() {
		var stage, perm string
		if err := rows.Scan(&stage, &perm); err != nil {
			return nil, err
		}
		out[stage] = append(out[stage], perm)
	}
	return out, rows.Err()
}

// ApplyAssignments upserts permissions, roles and role_permissions rows and
// returns how many assignments were new.
func (r *Repository) ApplyAssignments(ctx context.Context, assignments []Assignment) (int, error) {
	inserted := 0
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, a := range assignments {
			if _, err := tx.Exec(ctx, `INSERT INTO permissions (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, a.Permission); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `INSERT INTO roles (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, a.Role); err != nil {
				return err
			}
			tag, err := tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id, stage_code)
SELECT r.id, p.id, $3 FROM roles r, permissions p WHERE r.name = $1 AND p.name = $2
ON CONFLICT DO NOTHING`, a.Role, a.Permission, a.Stage)
			if err != nil {
				return err
			}
			inserted += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// EnsureUserRole creates the user when missing and attaches role.
func (r *Repository) EnsureUserRole(ctx context.Context, email, role string) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var userID int64
		err := tx.QueryRow(ctx, `INSERT INTO users (email, name) VALUES ($1, $1)
ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email RETURNING id`, email).Scan(&userID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO roles (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, role); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `INSERT INTO user_roles (user_id, role_id)
SELECT $1, id FROM roles WHERE name = $2 ON CONFLICT DO NOTHING`, userID, role)
		return err
	})
}
