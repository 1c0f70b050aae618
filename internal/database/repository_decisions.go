package database

import (
	"context"
	"fmt"
	"time"
)

// ==================== Decision Log ====================

// InsertDecision appends one decision-log row
func (r *Repository) InsertDecision(ctx context.Context, d *AIDecision) error {
	query := `
		INSERT INTO ai_decisions (account_id, decision_type, instrument, outcome, reason, context)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Pool.Exec(ctx, query,
		d.AccountID, d.DecisionType, d.Instrument, d.Outcome, d.Reason, d.Context)
	return err
}

// ListDecisions returns recent decisions, optionally filtered by type
// and account. Used by the dashboard audit view.
func (r *Repository) ListDecisions(ctx context.Context, decisionType string, accountID *int64, limit int) ([]*AIDecision, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, account_id, decision_type, instrument, outcome, reason, context, created_at
		FROM ai_decisions
		WHERE ($1 = '' OR decision_type = $1)
			AND ($2::BIGINT IS NULL OR account_id = $2)
		ORDER BY created_at DESC LIMIT $3`

	rows, err := r.db.Pool.Query(ctx, query, decisionType, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	var decisions []*AIDecision
	for rows.Next() {
		d := &AIDecision{}
		if err := rows.Scan(&d.ID, &d.AccountID, &d.DecisionType, &d.Instrument,
			&d.Outcome, &d.Reason, &d.Context, &d.CreatedAt); err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// DeleteDecisionsBefore prunes decision rows older than the cutoff
func (r *Repository) DeleteDecisionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM ai_decisions WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune decisions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteEALogsBefore prunes forwarded EA logs older than the cutoff
func (r *Repository) DeleteEALogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM ea_logs WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune ea logs: %w", err)
	}
	return tag.RowsAffected(), nil
}
