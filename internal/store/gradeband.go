package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/pavelanni/schoolexam/internal/model"
)

const bandColumns = `tenant_id, scope_kind, scope_ref, position, min_score, max_score, label, passing`

// PutGradeBands replaces the bands configured for one scope. Positions are
// reassigned from the slice order, which is also the match order.
func (s *Store) PutGradeBands(ctx context.Context, tenantID string, scope model.BandScope, ref string, bands []model.GradeBand) error {
	if scope == model.ScopeTenant {
		ref = ""
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM grade_bands WHERE tenant_id = ? AND scope_kind = ? AND scope_ref = ?`),
			tenantID, scope, ref); err != nil {
			return err
		}
		query := s.rebind(`INSERT INTO grade_bands (` + bandColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		for i, b := range bands {
			if _, err := tx.ExecContext(ctx, query,
				tenantID, scope, ref, i, b.MinScore, b.MaxScore, b.Label, b.Passing); err != nil {
				return fmt.Errorf("insert band %q: %w", b.Label, err)
			}
		}
		return nil
	})
}

// GradeBandSets returns every band of the tenant grouped by scope and scope
// reference, each group in match order.
func (s *Store) GradeBandSets(ctx context.Context, tenantID string) (map[model.BandScope]map[string][]model.GradeBand, error) {
	var rows []model.GradeBand
	err := s.db.SelectContext(ctx, &rows, s.rebind(
		`SELECT `+bandColumns+` FROM grade_bands WHERE tenant_id = ?
		 ORDER BY scope_kind, scope_ref, position`), tenantID)
	if err != nil {
		return nil, err
	}
	sets := make(map[model.BandScope]map[string][]model.GradeBand)
	for _, b := range rows {
		if sets[b.ScopeKind] == nil {
			sets[b.ScopeKind] = make(map[string][]model.GradeBand)
		}
		sets[b.ScopeKind][b.ScopeRef] = append(sets[b.ScopeKind][b.ScopeRef], b)
	}
	return sets, nil
}
