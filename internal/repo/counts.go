package repo

import "context"

func (r Repo) CountLotsByState(ctx context.Context, registryID string) (map[string]int, error) {
	return r.countByState(ctx, "lots", registryID)
}

func (r Repo) CountOrdersByState(ctx context.Context, registryID string) (map[string]int, error) {
	return r.countByState(ctx, "orders", registryID)
}

func (r Repo) CountClaimsByState(ctx context.Context, registryID string) (map[string]int, error) {
	return r.countByState(ctx, "claims", registryID)
}

func (r Repo) countByState(ctx context.Context, table, registryID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx,
		"SELECT state, COUNT(*) FROM "+table+" WHERE registry_id = ? GROUP BY state", registryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}
