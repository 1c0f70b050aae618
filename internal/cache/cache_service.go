package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Cache key prefixes
const (
	PrefixLatestTick = "tick:latest:" // tick:latest:{instrument}
	PrefixIndicator  = "indicator:"   // indicator:{instrument}:{timeframe}:{name}
	PrefixSignal     = "signal:"      // signal:{instrument}:{timeframe}:{direction}
	PrefixAccount    = "account:"     // account:{account_id}
	PrefixDashboard  = "dashboard:"   // dashboard:{view}
)

// Default TTLs
const (
	TTLLatestTick = 30 * time.Second
	TTLIndicator  = 15 * time.Second
	TTLSignal     = 10 * time.Minute
	TTLAccount    = 60 * time.Second
	TTLDashboard  = 5 * time.Second
)

// Service wraps Redis with a small failure breaker so a dead cache
// degrades reads to the database instead of stalling the hot path.
type Service struct {
	client  *redis.Client
	logger  zerolog.Logger
	enabled bool

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastFailure  time.Time
}

const (
	maxFailures   = 5
	recoveryDelay = 30 * time.Second
)

// Config holds Redis connection settings
type Config struct {
	Enabled  bool
	Addr     string // host:port
	Password string
	DB       int
	PoolSize int
}

// NewService creates a cache service. A failed initial ping logs a
// warning and starts unhealthy; the breaker re-probes on use.
func NewService(cfg Config, logger zerolog.Logger) *Service {
	log := logger.With().Str("component", "Cache").Logger()

	s := &Service{
		logger:  log,
		enabled: cfg.Enabled,
		healthy: false,
	}
	if !cfg.Enabled {
		log.Info().Msg("Cache disabled, all reads fall through to database")
		return s
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	s.client = redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("Redis unavailable at startup, continuing without cache")
	} else {
		s.healthy = true
		log.Info().Str("addr", cfg.Addr).Msg("Connected to Redis")
	}
	return s
}

// Available reports whether cache operations should be attempted
func (s *Service) Available() bool {
	if !s.enabled || s.client == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.healthy {
		return true
	}
	// allow a probe after the recovery delay
	return time.Since(s.lastFailure) > recoveryDelay
}

// Set stores a JSON-encoded value
func (s *Service) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !s.Available() {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal failed for %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.recordFailure(err)
		return err
	}
	s.recordSuccess()
	return nil
}

// Get loads a JSON-encoded value. Returns false on miss or when the
// cache is down.
func (s *Service) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if !s.Available() {
		return false, nil
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		s.recordSuccess()
		return false, nil
	}
	if err != nil {
		s.recordFailure(err)
		return false, err
	}
	s.recordSuccess()
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("cache unmarshal failed for %s: %w", key, err)
	}
	return true, nil
}

// Delete removes keys
func (s *Service) Delete(ctx context.Context, keys ...string) error {
	if !s.Available() || len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		s.recordFailure(err)
		return err
	}
	s.recordSuccess()
	return nil
}

// HealthCheck pings Redis
func (s *Service) HealthCheck(ctx context.Context) error {
	if !s.enabled || s.client == nil {
		return nil
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.recordFailure(err)
		return err
	}
	s.recordSuccess()
	return nil
}

// Close releases the Redis connection
func (s *Service) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *Service) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	s.lastFailure = time.Now()
	if s.healthy && s.failureCount >= maxFailures {
		s.healthy = false
		s.logger.Warn().Err(err).Int("failures", s.failureCount).
			Msg("Cache marked unhealthy, falling through to database")
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		s.logger.Info().Msg("Cache recovered")
	}
	s.healthy = true
	s.failureCount = 0
}

// LatestTickKey builds the latest-tick key for an instrument
func LatestTickKey(instrument string) string {
	return PrefixLatestTick + instrument
}

// IndicatorKey builds the indicator-bundle key
func IndicatorKey(instrument, timeframe, name string) string {
	return fmt.Sprintf("%s%s:%s:%s", PrefixIndicator, instrument, timeframe, name)
}

// SignalKey builds the active-signal key
func SignalKey(instrument, timeframe, direction string) string {
	return fmt.Sprintf("%s%s:%s:%s", PrefixSignal, instrument, timeframe, direction)
}

// AccountKey builds the account snapshot key
func AccountKey(accountID int64) string {
	return fmt.Sprintf("%s%d", PrefixAccount, accountID)
}
