package repo

import (
	"context"
	"database/sql"

	"lotline/internal/domain"
)

func (r Repo) InsertTransition(ctx context.Context, tx *sql.Tx, t domain.Transition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO transitions(registry_id,entity_kind,entity_id,from_state,to_state,actor_id,context_json,terminal,ts) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.RegistryID, t.EntityKind, t.EntityID, t.FromState, t.ToState, t.ActorID, t.ContextJSON, t.Terminal, t.TS)
	return err
}

// ListTransitions returns an entity's recorded history in insertion order.
func (r Repo) ListTransitions(ctx context.Context, entityKind, entityID string) ([]domain.Transition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,registry_id,entity_kind,entity_id,from_state,to_state,actor_id,context_json,terminal,ts FROM transitions WHERE entity_kind=? AND entity_id=? ORDER BY id ASC`, entityKind, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transition
	for rows.Next() {
		var t domain.Transition
		if err := rows.Scan(&t.ID, &t.RegistryID, &t.EntityKind, &t.EntityID, &t.FromState, &t.ToState, &t.ActorID, &t.ContextJSON, &t.Terminal, &t.TS); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}
