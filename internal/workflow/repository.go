package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pharmadist/pharmadist/internal/platform/db"
	"github.com/pharmadist/pharmadist/internal/shared"
)

// Repository stores the workflow definition in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Sync persists a compiled graph. Stages upsert on code and transitions on
// the (from, to, action) triple; rows no longer present in the definition are
// removed. A removed stage still referenced by a purchase order fails with
// shared.ErrConflict.
func (r *Repository) Sync(ctx context.Context, g *Graph) error {
	def := g.Definition()
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		codes := make([]string, 0, len(def.Stages))
		for _, st := range def.Stages {
			codes = append(codes, st.Code)
			_, err := tx.Exec(ctx, `INSERT INTO workflow_stages
    (code, name, sequence, status, allowed_actions, required_permissions, is_initial, is_terminal, is_editable, definition_version, updated_at)
VALUES ($1, $2, -$3, $4, $5, $6, $7, $8, $9, $10, NOW())
ON CONFLICT (code) DO UPDATE SET
    name = EXCLUDED.name, sequence = EXCLUDED.sequence, status = EXCLUDED.status,
    allowed_actions = EXCLUDED.allowed_actions, required_permissions = EXCLUDED.required_permissions,
    is_initial = EXCLUDED.is_initial, is_terminal = EXCLUDED.is_terminal, is_editable = EXCLUDED.is_editable,
    definition_version = EXCLUDED.definition_version, updated_at = NOW()`,
				st.Code, st.Name, st.Sequence, st.Status, st.AllowedActions, st.RequiredPermissions,
				st.Initial, st.Terminal, st.Editable, def.Version)
			if err != nil {
				return fmt.Errorf("workflow: upsert stage %s: %w", st.Code, err)
			}
		}

		keys := make([]string, 0, len(def.Transitions))
		for _, t := range def.Transitions {
			keys = append(keys, t.From+"|"+t.To+"|"+t.Action)
			_, err := tx.Exec(ctx, `INSERT INTO workflow_transitions (from_stage, to_stage, action, required_fields, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (from_stage, to_stage, action) DO UPDATE SET required_fields = EXCLUDED.required_fields, updated_at = NOW()`,
				t.From, t.To, t.Action, t.RequiredFields)
			if err != nil {
				return fmt.Errorf("workflow: upsert transition %s %s->%s: %w", t.Action, t.From, t.To, err)
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM workflow_transitions WHERE NOT (from_stage || '|' || to_stage || '|' || action = ANY($1))`, keys); err != nil {
			return fmt.Errorf("workflow: prune transitions: %w", err)
		}

		var inUse string
		err := tx.QueryRow(ctx, `SELECT current_stage FROM purchase_orders WHERE NOT (current_stage = ANY($1)) LIMIT 1`, codes).Scan(&inUse)
		if err == nil {
			return fmt.Errorf("%w: stage %s is removed from the definition but still holds purchase orders", shared.ErrConflict, inUse)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM workflow_stages WHERE NOT (code = ANY($1))`, codes); err != nil {
			return fmt.Errorf("workflow: prune stages: %w", err)
		}
		// Sequences are written negated first so a reordering never trips the
		// unique constraint halfway through the upserts.
		if _, err := tx.Exec(ctx, `UPDATE workflow_stages SET sequence = -sequence WHERE sequence < 0`); err != nil {
			return fmt.Errorf("workflow: settle sequences: %w", err)
		}
		return nil
	})
}

// Load reads the stored definition.
func (r *Repository) Load(ctx context.Context) (Definition, error) {
	var def Definition
	rows, err := r.pool.Query(ctx, `SELECT code, name, sequence, status, allowed_actions, required_permissions,
    is_initial, is_terminal, is_editable, definition_version
FROM workflow_stages ORDER BY sequence`)
	if err != nil {
		return Definition{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var st Stage
		if err := rows.Scan(&st.Code, &st.Name, &st.Sequence, &st.Status, &st.AllowedActions, &st.RequiredPermissions,
			&st.Initial, &st.Terminal, &st.Editable, &def.Version); err != nil {
			return Definition{}, err
		}
		def.Stages = append(def.Stages, st)
	}
	if err := rows.Err(); err != nil {
		return Definition{}, err
	}

	trows, err := r.pool.Query(ctx, `SELECT from_stage, to_stage, action, required_fields FROM workflow_transitions ORDER BY id`)
	if err != nil {
		return Definition{}, err
	}
	defer trows.Close()
	for trows.Next() {
		var t Transition
		if err := trows.Scan(&t.From, &t.To, &t.Action, &t.RequiredFields); err != nil {
			return Definition{}, err
		}
		def.Transitions = append(def.Transitions, t)
	}
	if err := trows.Err(); err != nil {
		return Definition{}, err
	}
	if len(def.Stages) == 0 {
		return Definition{}, fmt.Errorf("%w: workflow stages not synced", shared.ErrNotFound)
	}
	return def, nil
}
