package ingest

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/decision"
	"mt5-trading-server/internal/market"
	"mt5-trading-server/internal/metrics"
)

type tickItem struct {
	Instrument string  `json:"instrument"`
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
	Volume     float64 `json:"volume"`
	Timestamp  int64   `json:"timestamp"` // epoch milliseconds
	Tradeable  bool    `json:"tradeable"`
}

type tickBatchRequest struct {
	Account int64      `json:"account" binding:"required"`
	APIKey  string     `json:"api_key"`
	Ticks   []tickItem `json:"ticks" binding:"required"`
}

// handleTickBatch accepts a quote batch. The EA sends 1-50 ticks every
// 50-250ms per chart, so this path only validates and hands off to the
// async writer; nothing here waits on the database.
func (s *Servers) handleTickBatch(c *gin.Context) {
	var req tickBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, codeValidationFailure, err.Error())
		return
	}
	if _, ok := s.authenticate(c, "market", req.Account, req.APIKey); !ok {
		return
	}

	if err := validateTicks(req.Ticks); err != nil {
		fail(c, http.StatusBadRequest, codeValidationFailure, err.Error())
		return
	}

	for _, t := range req.Ticks {
		s.writer.Push(&database.Tick{
			Instrument: t.Instrument,
			Timestamp:  time.UnixMilli(t.Timestamp).UTC(),
			Bid:        t.Bid,
			Ask:        t.Ask,
			Volume:     t.Volume,
			Tradeable:  t.Tradeable,
		})
		metrics.TicksReceived.WithLabelValues(t.Instrument).Inc()
	}

	c.JSON(http.StatusOK, gin.H{"accepted": len(req.Ticks)})
}

type candleItem struct {
	BarTime int64   `json:"bar_time"` // epoch seconds, bar open
	Open    float64 `json:"open"`
	High    float64 `json:"high"`
	Low     float64 `json:"low"`
	Close   float64 `json:"close"`
	Volume  float64 `json:"volume"`
}

type ohlcBatchRequest struct {
	Account    int64        `json:"account" binding:"required"`
	APIKey     string       `json:"api_key"`
	Instrument string       `json:"instrument" binding:"required"`
	Timeframe  string       `json:"timeframe" binding:"required"`
	Candles    []candleItem `json:"candles" binding:"required"`
}

// handleOHLCBatch upserts a candle window. One malformed bar rejects the
// whole batch: a partial write would leave a hole the indicator engine
// reads as a price move.
func (s *Servers) handleOHLCBatch(c *gin.Context) {
	var req ohlcBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, codeValidationFailure, err.Error())
		return
	}
	acc, ok := s.authenticate(c, "market", req.Account, req.APIKey)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if market.TimeframeMinutes(req.Timeframe) == 0 {
		fail(c, http.StatusBadRequest, codeValidationFailure,
			fmt.Sprintf("unknown timeframe %q", req.Timeframe))
		return
	}

	if err := validateCandles(req.Candles); err != nil {
		s.decisions.RecordForAccount(ctx, acc.AccountID, decision.TypeDataValidation,
			req.Instrument, decision.OutcomeRejected, err.Error(),
			map[string]interface{}{
				"timeframe": req.Timeframe,
				"candles":   len(req.Candles),
			})
		fail(c, http.StatusBadRequest, codeValidationFailure, err.Error())
		return
	}

	bars := make([]*database.OHLCData, 0, len(req.Candles))
	for _, b := range req.Candles {
		bars = append(bars, &database.OHLCData{
			Instrument: req.Instrument,
			Timeframe:  req.Timeframe,
			BarTime:    time.Unix(b.BarTime, 0).UTC(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
		})
	}

	written, err := s.repo.UpsertOHLCBatch(ctx, bars)
	if err != nil {
		s.logger.Error().Err(err).Str("instrument", req.Instrument).
			Str("timeframe", req.Timeframe).Msg("OHLC upsert failed")
		fail(c, http.StatusInternalServerError, codeInternalFailure, "candle write failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"written": written})
}

func validateTicks(ticks []tickItem) error {
	if len(ticks) == 0 {
		return fmt.Errorf("empty tick batch")
	}
	for i, t := range ticks {
		switch {
		case t.Instrument == "":
			return fmt.Errorf("tick %d: missing instrument", i)
		case t.Bid <= 0 || t.Ask <= 0:
			return fmt.Errorf("tick %d (%s): bid %g / ask %g must be positive", i, t.Instrument, t.Bid, t.Ask)
		case t.Timestamp <= 0:
			return fmt.Errorf("tick %d (%s): missing timestamp", i, t.Instrument)
		}
	}
	return nil
}

func validateCandles(candles []candleItem) error {
	if len(candles) == 0 {
		return fmt.Errorf("empty candle batch")
	}
	for i, b := range candles {
		if b.BarTime <= 0 {
			return fmt.Errorf("candle %d: missing bar_time", i)
		}
		if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
			return fmt.Errorf("candle %d: prices must be positive", i)
		}
		if b.High < b.Low {
			return fmt.Errorf("candle %d: high %g below low %g", i, b.High, b.Low)
		}
		if b.High < b.Open || b.High < b.Close {
			return fmt.Errorf("candle %d: high %g below body", i, b.High)
		}
		if b.Low > b.Open || b.Low > b.Close {
			return fmt.Errorf("candle %d: low %g above body", i, b.Low)
		}
	}
	return nil
}
