package risk

import (
	"context"
	"testing"
	"time"

	"mt5-trading-server/internal/database"
)

func activeConfig() *database.SymbolTradingConfig {
	return &database.SymbolTradingConfig{
		AccountID:              7,
		Instrument:             "EURUSD",
		Direction:              "BUY",
		Status:                 database.SymbolStatusActive,
		MinConfidenceThreshold: 60,
		RiskMultiplier:         1.0,
	}
}

func TestApplyLossRaisesThreshold(t *testing.T) {
	o := &Optimizer{}
	cfg := activeConfig()

	o.applyLoss(cfg)
	if cfg.MinConfidenceThreshold != 65 {
		t.Errorf("threshold after 1 loss = %.0f, want 65", cfg.MinConfidenceThreshold)
	}
	if cfg.ConsecutiveLosses != 1 {
		t.Errorf("losses = %d, want 1", cfg.ConsecutiveLosses)
	}
	if cfg.RiskMultiplier != 1.0 {
		t.Errorf("multiplier after 1 loss = %.2f, want untouched 1.00", cfg.RiskMultiplier)
	}

	// second consecutive loss also cuts the multiplier
	o.applyLoss(cfg)
	if cfg.MinConfidenceThreshold != 70 {
		t.Errorf("threshold after 2 losses = %.0f, want 70", cfg.MinConfidenceThreshold)
	}
	if cfg.RiskMultiplier != 0.90 {
		t.Errorf("multiplier after 2 losses = %.2f, want 0.90", cfg.RiskMultiplier)
	}
}

func TestApplyLossRespectsBounds(t *testing.T) {
	o := &Optimizer{}
	cfg := activeConfig()
	cfg.MinConfidenceThreshold = 78
	cfg.RiskMultiplier = 0.15
	cfg.ConsecutiveLosses = 5

	o.applyLoss(cfg)
	if cfg.MinConfidenceThreshold != 80 {
		t.Errorf("threshold = %.0f, want capped at 80", cfg.MinConfidenceThreshold)
	}
	if cfg.RiskMultiplier != 0.10 {
		t.Errorf("multiplier = %.2f, want floored at 0.10", cfg.RiskMultiplier)
	}
}

func TestApplyWinEasesThreshold(t *testing.T) {
	o := &Optimizer{}
	cfg := activeConfig()
	cfg.ConsecutiveLosses = 2

	o.applyWin(cfg)
	if cfg.MinConfidenceThreshold != 59 {
		t.Errorf("threshold = %.0f, want 59", cfg.MinConfidenceThreshold)
	}
	if cfg.ConsecutiveLosses != 0 {
		t.Errorf("losses = %d, want reset to 0", cfg.ConsecutiveLosses)
	}

	// third consecutive win bumps the multiplier
	o.applyWin(cfg)
	o.applyWin(cfg)
	if cfg.ConsecutiveWins != 3 {
		t.Fatalf("wins = %d, want 3", cfg.ConsecutiveWins)
	}
	if cfg.RiskMultiplier != 1.05 {
		t.Errorf("multiplier = %.2f, want 1.05", cfg.RiskMultiplier)
	}
}

func TestApplyWinRespectsBounds(t *testing.T) {
	o := &Optimizer{}
	cfg := activeConfig()
	cfg.MinConfidenceThreshold = 45
	cfg.RiskMultiplier = 1.98
	cfg.ConsecutiveWins = 4

	o.applyWin(cfg)
	if cfg.MinConfidenceThreshold != 45 {
		t.Errorf("threshold = %.0f, want floored at 45", cfg.MinConfidenceThreshold)
	}
	if cfg.RiskMultiplier != 2.00 {
		t.Errorf("multiplier = %.2f, want capped at 2.00", cfg.RiskMultiplier)
	}
}

func TestRollingAdjustmentsNeedSample(t *testing.T) {
	o := &Optimizer{}
	cfg := activeConfig()
	cfg.RollingTradesCount = 9
	cfg.RollingWinrate = 10

	o.applyRollingAdjustments(cfg)
	if cfg.MinConfidenceThreshold != 60 || cfg.RiskMultiplier != 1.0 {
		t.Errorf("small sample must not adjust, got threshold %.0f multiplier %.2f",
			cfg.MinConfidenceThreshold, cfg.RiskMultiplier)
	}
}

func TestRollingAdjustmentsColdStreak(t *testing.T) {
	o := &Optimizer{}
	cfg := activeConfig()
	cfg.RollingTradesCount = 12
	cfg.RollingWinrate = 35

	o.applyRollingAdjustments(cfg)
	if cfg.MinConfidenceThreshold != 65 {
		t.Errorf("threshold = %.0f, want 65", cfg.MinConfidenceThreshold)
	}
	if cfg.RiskMultiplier != 0.80 {
		t.Errorf("multiplier = %.2f, want 0.80", cfg.RiskMultiplier)
	}
}

func TestRollingAdjustmentsHotStreak(t *testing.T) {
	o := &Optimizer{}
	cfg := activeConfig()
	cfg.RollingTradesCount = 15
	cfg.RollingWinrate = 72

	o.applyRollingAdjustments(cfg)
	if cfg.MinConfidenceThreshold != 58 {
		t.Errorf("threshold = %.0f, want 58", cfg.MinConfidenceThreshold)
	}
	if cfg.RiskMultiplier != 1.0 {
		t.Errorf("multiplier = %.2f, want untouched", cfg.RiskMultiplier)
	}
}

func TestDemotionPausesAfterThreeLosses(t *testing.T) {
	o := &Optimizer{}
	cfg := activeConfig()
	cfg.ConsecutiveLosses = 3
	cfg.RollingWinrate = 30
	cfg.RollingTradesCount = 10

	o.applyDemotions(context.Background(), cfg)
	if cfg.Status != database.SymbolStatusPaused {
		t.Fatalf("status = %q, want paused", cfg.Status)
	}
	if cfg.PausedUntil == nil {
		t.Fatal("PausedUntil not set")
	}
	gap := time.Until(*cfg.PausedUntil)
	if gap < 23*time.Hour || gap > 25*time.Hour {
		t.Errorf("pause window = %v, want about 24h", gap)
	}
}

func TestDemotionOnlyPausesActiveSymbols(t *testing.T) {
	o := &Optimizer{}
	cfg := activeConfig()
	cfg.Status = database.SymbolStatusReducedRisk
	cfg.ConsecutiveLosses = 4
	cfg.RollingWinrate = 30
	cfg.RollingTradesCount = 10

	o.applyDemotions(context.Background(), cfg)
	if cfg.Status != database.SymbolStatusReducedRisk {
		t.Errorf("status = %q, want untouched reduced_risk", cfg.Status)
	}
}

func TestDemotionShadowsDeadSymbol(t *testing.T) {
	o := &Optimizer{}
	cfg := activeConfig()
	cfg.ConsecutiveLosses = 4
	cfg.RollingWinrate = 0
	cfg.RollingTradesCount = 8

	o.applyDemotions(context.Background(), cfg)
	if cfg.Status != database.SymbolStatusShadowTrade {
		t.Fatalf("status = %q, want shadow_trade over the pause", cfg.Status)
	}
	if cfg.PausedUntil != nil {
		t.Error("shadow demotion must not carry a pause deadline")
	}
}
