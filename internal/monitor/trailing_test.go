package monitor

import (
	"math"
	"testing"
	"time"

	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/market"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// buyTrade: entry 1.10000, SL 1.09500, TP 1.11000 → TP distance 0.01000
func buyTrade() *database.Trade {
	return &database.Trade{
		ID:         1,
		Ticket:     100,
		Instrument: "EURUSD",
		Direction:  market.DirectionBuy,
		Volume:     0.10,
		OpenPrice:  1.10000,
		SL:         1.09500,
		TP:         1.11000,
		InitialSL:  1.09500,
		OpenTime:   time.Now().UTC().Add(-time.Hour),
	}
}

func sellTrade() *database.Trade {
	t := buyTrade()
	t.Direction = market.DirectionSell
	t.SL = 1.10500
	t.TP = 1.09000
	t.InitialSL = 1.10500
	return t
}

func eurusdSpec() *database.BrokerSymbol {
	return &database.BrokerSymbol{
		Instrument: "EURUSD",
		Digits:     5,
		Point:      0.00001,
		MinVolume:  0.01,
		VolumeStep: 0.01,
		TickSize:   0.00001,
		TickValue:  0.00001,
	}
}

func TestProgressTowardTP(t *testing.T) {
	buy := buyTrade()
	if p := progressTowardTP(buy, 1.10500); !approx(p, 0.5) {
		t.Errorf("buy halfway progress = %.4f, want 0.5", p)
	}
	if p := progressTowardTP(buy, 1.09800); !approx(p, -0.2) {
		t.Errorf("buy underwater progress = %.4f, want -0.2", p)
	}

	sell := sellTrade()
	if p := progressTowardTP(sell, 1.09250); !approx(p, 0.75) {
		t.Errorf("sell 3/4 progress = %.4f, want 0.75", p)
	}

	// degenerate: TP on the wrong side yields no progress
	bad := buyTrade()
	bad.TP = 1.09000
	if p := progressTowardTP(bad, 1.10500); p != 0 {
		t.Errorf("inverted TP progress = %.4f, want 0", p)
	}
}

func TestStageForThresholds(t *testing.T) {
	cases := []struct {
		p    float64
		want int
	}{
		{0.0, 0}, {0.29, 0}, {0.30, 1}, {0.49, 1},
		{0.50, 2}, {0.74, 2}, {0.75, 3}, {0.89, 3},
		{0.90, 4}, {1.20, 4},
	}
	for _, c := range cases {
		if got := stageFor(c.p); got != c.want {
			t.Errorf("stageFor(%.2f) = %d, want %d", c.p, got, c.want)
		}
	}
}

func TestStageTargetBuy(t *testing.T) {
	buy := buyTrade()

	// stage 1: break-even plus 5 points
	if got := stageTarget(buy, 1, 1.10350, 5*0.00001); !approx(got, 1.10005) {
		t.Errorf("stage 1 target = %.5f, want 1.10005", got)
	}
	// stage 2 at exit 1.10500: follow by 0.40 × 0.01
	if got := stageTarget(buy, 2, 1.10500, 0); !approx(got, 1.10100) {
		t.Errorf("stage 2 target = %.5f, want 1.10100", got)
	}
	// stage 3 at exit 1.10800: follow by 0.25 × 0.01
	if got := stageTarget(buy, 3, 1.10800, 0); !approx(got, 1.10550) {
		t.Errorf("stage 3 target = %.5f, want 1.10550", got)
	}
	// stage 4 at exit 1.10950: follow by 0.15 × 0.01
	if got := stageTarget(buy, 4, 1.10950, 0); !approx(got, 1.10800) {
		t.Errorf("stage 4 target = %.5f, want 1.10800", got)
	}
}

func TestStageTargetSellMirrors(t *testing.T) {
	sell := sellTrade()

	if got := stageTarget(sell, 1, 1.09650, 5*0.00001); !approx(got, 1.09995) {
		t.Errorf("stage 1 target = %.5f, want 1.09995", got)
	}
	// TP distance 0.01; stage 2 at exit 1.09500 trails above by 0.00400
	if got := stageTarget(sell, 2, 1.09500, 0); !approx(got, 1.09900) {
		t.Errorf("stage 2 target = %.5f, want 1.09900", got)
	}
}

func TestClampToPriceDistance(t *testing.T) {
	// buy: stop may not come within 10 points of the exit price
	got := clampToPriceDistance(market.DirectionBuy, 1.10495, 1.10500, 0.00010)
	if !approx(got, 1.10490) {
		t.Errorf("buy clamp = %.5f, want 1.10490", got)
	}
	// far enough already: unchanged
	got = clampToPriceDistance(market.DirectionBuy, 1.10100, 1.10500, 0.00010)
	if !approx(got, 1.10100) {
		t.Errorf("buy no-clamp = %.5f, want 1.10100", got)
	}
	// sell mirror
	got = clampToPriceDistance(market.DirectionSell, 1.09502, 1.09500, 0.00010)
	if !approx(got, 1.09510) {
		t.Errorf("sell clamp = %.5f, want 1.09510", got)
	}
}

func TestClampMoveSize(t *testing.T) {
	// buy: one update may move the stop at most 100 points
	got := clampMoveSize(market.DirectionBuy, 1.09500, 1.10400, 0.00100)
	if !approx(got, 1.09600) {
		t.Errorf("buy move clamp = %.5f, want 1.09600", got)
	}
	got = clampMoveSize(market.DirectionBuy, 1.09500, 1.09550, 0.00100)
	if !approx(got, 1.09550) {
		t.Errorf("buy small move = %.5f, want 1.09550 unchanged", got)
	}
	got = clampMoveSize(market.DirectionSell, 1.10500, 1.09600, 0.00100)
	if !approx(got, 1.10400) {
		t.Errorf("sell move clamp = %.5f, want 1.10400", got)
	}
}

func TestImprovesSLIsOneWay(t *testing.T) {
	point := 0.00001
	if improvesSL(market.DirectionBuy, 1.10100, 1.10050, point) {
		t.Error("buy stop moving down must never count as an improvement")
	}
	if !improvesSL(market.DirectionBuy, 1.10050, 1.10100, point) {
		t.Error("buy stop moving up is an improvement")
	}
	if improvesSL(market.DirectionBuy, 1.10100, 1.10100, point) {
		t.Error("no movement is not an improvement")
	}
	if !improvesSL(market.DirectionSell, 1.10100, 1.10050, point) {
		t.Error("sell stop moving down is an improvement")
	}
	if improvesSL(market.DirectionSell, 1.10050, 1.10100, point) {
		t.Error("sell stop moving up must never count as an improvement")
	}
}

func TestStageLatchNeverDemotes(t *testing.T) {
	// a trade that reached stage 3 stays stage 3 when price pulls back
	tr := buyTrade()
	tr.TrailingStage = 3

	p := progressTowardTP(tr, 1.10400) // back to 40%
	stage := stageFor(p)
	if stage >= tr.TrailingStage {
		t.Fatalf("test setup: pullback stage = %d, want below latched 3", stage)
	}
	if stage < tr.TrailingStage {
		stage = tr.TrailingStage
	}
	if stage != 3 {
		t.Errorf("latched stage = %d, want 3 after pullback", stage)
	}
}

func TestFloorToStep(t *testing.T) {
	if got := floorToStep(0.05, 0.01); !approx(got, 0.05) {
		t.Errorf("floorToStep(0.05, 0.01) = %v, want 0.05", got)
	}
	if got := floorToStep(0.057, 0.01); !approx(got, 0.05) {
		t.Errorf("floorToStep(0.057, 0.01) = %v, want 0.05", got)
	}
	if got := floorToStep(0.1, 0); !approx(got, 0.1) {
		t.Errorf("floorToStep with zero step = %v, want passthrough", got)
	}
}

func TestUnrealizedProfitUsesTickGeometry(t *testing.T) {
	gold := &database.BrokerSymbol{TickSize: 0.01, TickValue: 1.0}
	tr := &database.Trade{Direction: market.DirectionBuy, OpenPrice: 2400.00, Volume: 0.10}
	// +2.50 price move → 250 ticks × 1.0 × 0.10 lots = 25.00
	if got := unrealizedProfit(tr, gold, 2402.50); !approx(got, 25.0) {
		t.Errorf("buy profit = %.2f, want 25.00", got)
	}

	tr.Direction = market.DirectionSell
	if got := unrealizedProfit(tr, gold, 2402.50); !approx(got, -25.0) {
		t.Errorf("sell profit = %.2f, want -25.00", got)
	}
}

func TestPriceTokenMatchesBrokerDigits(t *testing.T) {
	if got := priceToken(1.101234567, 5); got != "1.10123" {
		t.Errorf("priceToken 5 digits = %q, want 1.10123", got)
	}
	if got := priceToken(2400.5, 2); got != "2400.50" {
		t.Errorf("priceToken 2 digits = %q, want 2400.50", got)
	}
}
