package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ==================== Commands ====================

// EnqueueCommand inserts a command for EA pickup. The (account_id,
// client_command_id) constraint makes the enqueue idempotent: a replayed
// request returns the original row untouched with inserted=false.
func (r *Repository) EnqueueCommand(ctx context.Context, cmd *Command) (bool, error) {
	query := `
		INSERT INTO commands (id, account_id, client_command_id, command_type, payload,
			status, signal_id, created_at, timeout_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, $8)
		ON CONFLICT (account_id, client_command_id) DO NOTHING
		RETURNING id`

	var id string
	err := r.db.Pool.QueryRow(ctx, query,
		cmd.ID, cmd.AccountID, cmd.ClientCommandID, cmd.CommandType, cmd.Payload,
		cmd.SignalID, cmd.CreatedAt, cmd.TimeoutAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := r.GetCommandByClientID(ctx, cmd.AccountID, cmd.ClientCommandID)
		if getErr != nil {
			return false, getErr
		}
		*cmd = *existing
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to enqueue command: %w", err)
	}
	return true, nil
}

// PickPendingCommands atomically claims up to limit pending commands for
// one account, oldest first, and returns them marked in_flight. SKIP
// LOCKED keeps concurrent heartbeats from handing out the same command
// twice.
func (r *Repository) PickPendingCommands(ctx context.Context, accountID int64, limit int) ([]*Command, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		UPDATE commands SET
			status = 'in_flight',
			picked_at = NOW(),
			delivery_attempts = delivery_attempts + 1
		WHERE id IN (
			SELECT id FROM commands
			WHERE account_id = $1 AND status = 'pending'
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, account_id, client_command_id, command_type, payload, status,
			ticket, signal_id, delivery_attempts, created_at, timeout_at,
			picked_at, completed_at, error_message, response`

	rows, err := r.db.Pool.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to pick pending commands: %w", err)
	}
	defer rows.Close()

	var commands []*Command
	for rows.Next() {
		cmd, err := r.scanCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	return commands, rows.Err()
}

// CompleteCommand records a successful EA result
func (r *Repository) CompleteCommand(ctx context.Context, id string, ticket *int64, response []byte) error {
	query := `
		UPDATE commands SET
			status = 'completed',
			ticket = COALESCE($2, ticket),
			response = $3,
			completed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'in_flight')`
	_, err := r.db.Pool.Exec(ctx, query, id, ticket, response)
	return err
}

// FailCommand records a failed EA result
func (r *Repository) FailCommand(ctx context.Context, id, errorMessage string, response []byte) error {
	query := `
		UPDATE commands SET
			status = 'failed',
			error_message = $2,
			response = $3,
			completed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'in_flight')`
	_, err := r.db.Pool.Exec(ctx, query, id, errorMessage, response)
	return err
}

// GetCommand retrieves a command by ID
func (r *Repository) GetCommand(ctx context.Context, id string) (*Command, error) {
	return r.scanCommand(r.db.Pool.QueryRow(ctx, commandSelect+` WHERE id = $1`, id))
}

// GetCommandByClientID retrieves a command by its idempotency key
func (r *Repository) GetCommandByClientID(ctx context.Context, accountID int64, clientCommandID string) (*Command, error) {
	return r.scanCommand(r.db.Pool.QueryRow(ctx,
		commandSelect+` WHERE account_id = $1 AND client_command_id = $2`, accountID, clientCommandID))
}

// RequeueStuckCommands returns in_flight commands to pending when the EA
// never reported a result. Rows past the attempt cap stay put; the
// timeout scan handles them.
func (r *Repository) RequeueStuckCommands(ctx context.Context, stuckSince time.Time, maxAttempts int) (int64, error) {
	query := `
		UPDATE commands SET status = 'pending', picked_at = NULL
		WHERE status = 'in_flight' AND picked_at < $1 AND delivery_attempts <= $2`
	tag, err := r.db.Pool.Exec(ctx, query, stuckSince, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stuck commands: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TimeoutOverdueCommands flips commands past their deadline to timeout
// and returns them so the caller can count breaker failures and notify.
func (r *Repository) TimeoutOverdueCommands(ctx context.Context, now time.Time) ([]*Command, error) {
	query := `
		UPDATE commands SET
			status = 'timeout',
			error_message = 'command deadline exceeded',
			completed_at = NOW()
		WHERE status IN ('pending', 'in_flight') AND timeout_at <= $1
		RETURNING id, account_id, client_command_id, command_type, payload, status,
			ticket, signal_id, delivery_attempts, created_at, timeout_at,
			picked_at, completed_at, error_message, response`

	rows, err := r.db.Pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to timeout commands: %w", err)
	}
	defer rows.Close()

	var commands []*Command
	for rows.Next() {
		cmd, err := r.scanCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	return commands, rows.Err()
}

// CountUndeliveredCommands returns how many commands await pickup or a
// result for an account. The queue alert threshold watches this number.
func (r *Repository) CountUndeliveredCommands(ctx context.Context, accountID int64) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM commands WHERE account_id = $1 AND status IN ('pending', 'in_flight')`,
		accountID).Scan(&count)
	return count, err
}

// HasUnsettledOpenCommand reports whether an open_trade command for the
// instrument is still pending or in flight. The auto-trader refuses to
// stack a second entry on top of one the EA has not answered yet.
func (r *Repository) HasUnsettledOpenCommand(ctx context.Context, accountID int64, instrument string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM commands
			WHERE account_id = $1 AND command_type = 'OPEN_TRADE'
				AND status IN ('pending', 'in_flight')
				AND payload->>'instrument' = $2
		)`, accountID, instrument).Scan(&exists)
	return exists, err
}

// HasUnsettledTicketCommand reports whether a command of the given type
// targeting a ticket is still pending or in flight. The trade monitor
// checks it before emitting, so a slow EA gets one instruction at a time.
func (r *Repository) HasUnsettledTicketCommand(ctx context.Context, accountID int64, ticket int64, commandType string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM commands
			WHERE account_id = $1 AND command_type = $2
				AND status IN ('pending', 'in_flight')
				AND (payload->>'ticket')::bigint = $3
		)`, accountID, commandType, ticket).Scan(&exists)
	return exists, err
}

// ListRecentCommands returns the newest commands for an account
func (r *Repository) ListRecentCommands(ctx context.Context, accountID int64, limit int) ([]*Command, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Pool.Query(ctx,
		commandSelect+` WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	var commands []*Command
	for rows.Next() {
		cmd, err := r.scanCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	return commands, rows.Err()
}

const commandSelect = `
	SELECT id, account_id, client_command_id, command_type, payload, status,
		ticket, signal_id, delivery_attempts, created_at, timeout_at,
		picked_at, completed_at, error_message, response
	FROM commands`

func (r *Repository) scanCommand(row pgx.Row) (*Command, error) {
	cmd := &Command{}
	err := row.Scan(
		&cmd.ID, &cmd.AccountID, &cmd.ClientCommandID, &cmd.CommandType, &cmd.Payload,
		&cmd.Status, &cmd.Ticket, &cmd.SignalID, &cmd.DeliveryAttempts,
		&cmd.CreatedAt, &cmd.TimeoutAt, &cmd.PickedAt, &cmd.CompletedAt,
		&cmd.ErrorMessage, &cmd.Response,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan command: %w", err)
	}
	return cmd, nil
}
