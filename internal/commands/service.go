package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mt5-trading-server/config"
	"mt5-trading-server/internal/circuit"
	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/decision"
	"mt5-trading-server/internal/events"
	"mt5-trading-server/internal/metrics"
)

var (
	// ErrUnknownCommand is returned when a response references no known command
	ErrUnknownCommand = errors.New("unknown command id")
	// ErrAccountMismatch is returned when an EA answers another account's command
	ErrAccountMismatch = errors.New("command belongs to a different account")
	// ErrBadStatus is returned for a response status outside completed/failed
	ErrBadStatus = errors.New("unsupported response status")
)

// Service owns the durable command queue lifecycle: enqueue, heartbeat
// delivery, EA responses, redelivery of stuck rows. Commands survive a
// restart; the EA polls them via heartbeat and answers asynchronously.
type Service struct {
	repo      *database.Repository
	breakers  *circuit.Manager
	decisions *decision.Recorder
	bus       *events.Bus
	cfg       config.TradingConfig
	logger    zerolog.Logger

	mu      sync.Mutex
	alerted map[int64]bool // accounts currently over the queue-depth alert threshold
}

// NewService creates a command queue service
func NewService(repo *database.Repository, breakers *circuit.Manager, decisions *decision.Recorder, bus *events.Bus, cfg config.TradingConfig, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		breakers:  breakers,
		decisions: decisions,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With().Str("component", "CommandQueue").Logger(),
		alerted:   make(map[int64]bool),
	}
}

// Enqueue persists a command for EA pickup. Missing id, status and timeout
// fields are filled in; a duplicate client_command_id is a no-op that
// loads the existing row, so callers can re-issue safely.
func (s *Service) Enqueue(ctx context.Context, cmd *database.Command) (bool, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.Status == "" {
		cmd.Status = database.CommandStatusPending
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}
	if cmd.TimeoutAt.IsZero() {
		cmd.TimeoutAt = cmd.CreatedAt.Add(time.Duration(s.cfg.CommandTimeoutMins) * time.Minute)
	}

	inserted, err := s.repo.EnqueueCommand(ctx, cmd)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", cmd.CommandType, err)
	}
	if !inserted {
		s.logger.Debug().Str("client_command_id", cmd.ClientCommandID).
			Str("type", cmd.CommandType).Msg("Duplicate command suppressed")
		return false, nil
	}

	metrics.CommandsEnqueued.WithLabelValues(cmd.CommandType).Inc()
	s.bus.Publish(events.Event{
		Type:      events.EventCommandQueued,
		AccountID: cmd.AccountID,
		Payload: map[string]interface{}{
			"command_id": cmd.ID,
			"type":       cmd.CommandType,
		},
	})
	return true, nil
}

// DeliverBatch marks up to the configured batch of pending commands
// in-flight for an account and returns them for the heartbeat response.
func (s *Service) DeliverBatch(ctx context.Context, accountID int64) ([]*database.Command, error) {
	picked, err := s.repo.PickPendingCommands(ctx, accountID, s.cfg.HeartbeatCommandBatch)
	if err != nil {
		return nil, fmt.Errorf("pick pending commands: %w", err)
	}

	depth, err := s.repo.CountUndeliveredCommands(ctx, accountID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("account", accountID).Msg("Queue depth check failed")
		return picked, nil
	}
	metrics.CommandQueueDepth.WithLabelValues(strconv.FormatInt(accountID, 10)).Set(float64(depth))
	s.watchDepth(ctx, accountID, depth)

	return picked, nil
}

// watchDepth raises one PERFORMANCE_ALERT when the undelivered backlog
// crosses the threshold, and re-arms once it drains below it.
func (s *Service) watchDepth(ctx context.Context, accountID int64, depth int) {
	limit := s.cfg.PendingCommandAlertSize
	if limit <= 0 {
		return
	}

	s.mu.Lock()
	over := depth > limit
	wasOver := s.alerted[accountID]
	s.alerted[accountID] = over
	s.mu.Unlock()

	if over && !wasOver {
		s.logger.Warn().Int64("account", accountID).Int("depth", depth).Int("limit", limit).
			Msg("Command queue backlog over alert threshold")
		s.decisions.RecordForAccount(ctx, accountID, decision.TypePerformanceAlert, "",
			decision.OutcomeRejected,
			fmt.Sprintf("command queue backlog %d exceeds %d", depth, limit),
			map[string]interface{}{"depth": depth, "limit": limit})
	}
}

// HandleResponse settles a command the EA answered. Terminal states are
// sticky: a retransmitted response for an already-settled command is
// acknowledged without effect.
func (s *Service) HandleResponse(ctx context.Context, accountID int64, commandID, status string, ticket int64, errorMessage string, response json.RawMessage) error {
	cmd, err := s.repo.GetCommand(ctx, commandID)
	if errors.Is(err, database.ErrNotFound) {
		cmd, err = s.repo.GetCommandByClientID(ctx, accountID, commandID)
	}
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, commandID)
	}
	if err != nil {
		return fmt.Errorf("load command: %w", err)
	}
	if cmd.AccountID != accountID {
		return ErrAccountMismatch
	}

	switch cmd.Status {
	case database.CommandStatusCompleted, database.CommandStatusFailed, database.CommandStatusTimeout:
		s.logger.Debug().Str("command_id", cmd.ID).Str("status", cmd.Status).
			Msg("Response for settled command ignored")
		return nil
	}

	switch status {
	case database.CommandStatusCompleted:
		var ticketPtr *int64
		if ticket != 0 {
			ticketPtr = &ticket
		}
		if err := s.repo.CompleteCommand(ctx, cmd.ID, ticketPtr, response); err != nil {
			return fmt.Errorf("complete command: %w", err)
		}
		metrics.CommandsCompleted.WithLabelValues(database.CommandStatusCompleted).Inc()
		s.breakers.NoteCommandSuccess(ctx, accountID)
		s.bus.Publish(events.Event{
			Type:      events.EventCommandCompleted,
			AccountID: accountID,
			Payload: map[string]interface{}{
				"command_id": cmd.ID,
				"type":       cmd.CommandType,
				"ticket":     ticket,
			},
		})
		s.logger.Info().Str("command_id", cmd.ID).Str("type", cmd.CommandType).
			Int64("ticket", ticket).Msg("Command completed")
		return nil

	case database.CommandStatusFailed:
		if err := s.repo.FailCommand(ctx, cmd.ID, errorMessage, response); err != nil {
			return fmt.Errorf("fail command: %w", err)
		}
		metrics.CommandsCompleted.WithLabelValues(database.CommandStatusFailed).Inc()
		s.breakers.NoteCommandFailure(ctx, accountID)
		s.decisions.RecordForAccount(ctx, accountID, decision.TypeTradeFailed,
			instrumentOf(cmd), decision.OutcomeRejected,
			fmt.Sprintf("%s rejected by EA: %s", cmd.CommandType, errorMessage),
			map[string]interface{}{"command_id": cmd.ID, "error": errorMessage})
		s.bus.Publish(events.Event{
			Type:      events.EventCommandFailed,
			AccountID: accountID,
			Payload: map[string]interface{}{
				"command_id": cmd.ID,
				"type":       cmd.CommandType,
				"error":      errorMessage,
			},
		})
		s.logger.Warn().Str("command_id", cmd.ID).Str("type", cmd.CommandType).
			Str("error", errorMessage).Msg("Command failed")
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrBadStatus, status)
	}
}

// RequeueStuck reverts in-flight commands the EA never answered back to
// pending, up to the redelivery cap. Rows past the cap stay in_flight for
// the auto-trader's timeout scan to settle.
func (s *Service) RequeueStuck(ctx context.Context) error {
	stuckSince := time.Now().UTC().Add(-time.Duration(s.cfg.CommandRedeliveryMins) * time.Minute)
	n, err := s.repo.RequeueStuckCommands(ctx, stuckSince, s.cfg.CommandMaxRedeliveries)
	if err != nil {
		return fmt.Errorf("requeue stuck commands: %w", err)
	}
	if n > 0 {
		s.logger.Warn().Int64("requeued", n).Msg("Undelivered commands returned to pending")
	}
	return nil
}

// instrumentOf extracts the instrument from a command payload when the
// payload type carries one; close/modify payloads do not.
func instrumentOf(cmd *database.Command) string {
	var p struct {
		Instrument string `json:"instrument"`
	}
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return ""
	}
	return p.Instrument
}
