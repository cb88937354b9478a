package types

import "time"

// TradeRecord is the flattened reporting view of a finished trade, one row
// per trade in the journal and in the exported trade list.
type TradeRecord struct {
	ID            string
	Symbol        string
	Direction     string
	State         string
	OpenTime      time.Time
	CloseTime     time.Time
	OpenPrice     float64
	ClosePrice    float64
	Volume        float64
	RealizedPnL   float64
	PercentChange float64
	CloseReason   string
}

// DealRecord is one synthetic fill as recorded by the journal.
type DealRecord struct {
	Number  int64
	TradeID string
	Symbol  string
	Time    time.Time
	Price   float64
	Volume  float64
	IsBuy   bool
	Phase   string // "open" or "close"
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Time   time.Time
	Equity float64
}

// RunStats summarizes a finished run.
type RunStats struct {
	TotalTrades int     `yaml:"total_trades"`
	Winning     int     `yaml:"winning"`
	Losing      int     `yaml:"losing"`
	WinRate     float64 `yaml:"win_rate"`
	RealizedPnL float64 `yaml:"realized_pnl"`
	MaxProfit   float64 `yaml:"max_profit"`
	MaxLoss     float64 `yaml:"max_loss"`
}
