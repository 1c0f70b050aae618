package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"mt5-trading-server/config"
)

// A/B test groups for confidence selection
const (
	ABRulesOnly = "rules_only"
	ABMLOnly    = "ml_only"
	ABHybrid    = "hybrid"
)

// AssignABGroup buckets (instrument, direction) into a stable A/B group
// with 80/10/10 weights. The same key always lands in the same group so a
// symbol's performance is attributable to one scoring mode.
func AssignABGroup(instrument, direction string) string {
	h := fnv.New32a()
	h.Write([]byte(instrument))
	h.Write([]byte{'|'})
	h.Write([]byte(direction))
	switch bucket := h.Sum32() % 100; {
	case bucket < 80:
		return ABRulesOnly
	case bucket < 90:
		return ABMLOnly
	default:
		return ABHybrid
	}
}

// ScoreRequest is the feature payload sent to the external scorer.
type ScoreRequest struct {
	Instrument string             `json:"instrument"`
	Timeframe  string             `json:"timeframe"`
	Direction  string             `json:"direction"`
	Features   map[string]float64 `json:"features"`
}

// ScoreResponse is the scorer's verdict. Confidence is 0..1.
type ScoreResponse struct {
	Confidence   float64 `json:"confidence"`
	ModelVersion string  `json:"model_version"`
}

// MLScorer calls the optional external confidence model. Absence or failure
// falls back transparently to rules-based confidence.
type MLScorer struct {
	url     string
	enabled bool
	client  *http.Client
	logger  zerolog.Logger
}

// NewMLScorer creates the scorer client
func NewMLScorer(cfg config.MLConfig, logger zerolog.Logger) *MLScorer {
	timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MLScorer{
		url:     cfg.ScorerURL,
		enabled: cfg.Enabled && cfg.ScorerURL != "",
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "MLScorer").Logger(),
	}
}

// Enabled reports whether the scorer should be consulted at all.
func (m *MLScorer) Enabled() bool {
	return m.enabled
}

// Score sends the feature vector and returns the model confidence.
func (m *MLScorer) Score(ctx context.Context, req *ScoreRequest) (*ScoreResponse, error) {
	if !m.enabled {
		return nil, fmt.Errorf("scorer disabled")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal score request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build score request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("scorer unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scorer returned status %d", resp.StatusCode)
	}

	var out ScoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode scorer response: %w", err)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return nil, fmt.Errorf("scorer confidence %.3f out of range", out.Confidence)
	}
	return &out, nil
}
