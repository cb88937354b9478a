package engine

import (
	"database/sql"

	"github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"
	"github.com/tickforge/replay/internal/logger"
	"github.com/tickforge/replay/internal/types"
	"github.com/tickforge/replay/pkg/errors"
	"go.uber.org/zap"
)

// Journal records every synthetic deal and every finished trade of a run in
// an in-memory DuckDB database and computes the run statistics from it. It
// is run reporting, not persistence: the database dies with the run.
type Journal struct {
	db  *sql.DB
	log *logger.Logger
	sq  squirrel.StatementBuilderType
}

// NewJournal opens the in-memory database and creates the run tables.
func NewJournal(log *logger.Logger) (*Journal, error) {
	db, err := sql.Open("duckdb", ":memory:")
	if err != nil {
		log.Error("Failed to open journal database", zap.Error(err))

		return nil, errors.Wrap(errors.ErrCodeJournalInitFailed, "failed to open journal database", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()

		return nil, errors.Wrap(errors.ErrCodeJournalInitFailed, "failed to connect to journal database", err)
	}

	journal := &Journal{
		db:  db,
		log: log,
		sq:  squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}

	if err := journal.initialize(); err != nil {
		db.Close()

		return nil, err
	}

	return journal, nil
}

func (j *Journal) initialize() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS deals (
			number BIGINT,
			trade_id TEXT,
			symbol TEXT,
			time TIMESTAMP,
			price DOUBLE,
			volume DOUBLE,
			is_buy BOOLEAN,
			phase TEXT
		)
	`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeJournalInitFailed, "failed to create deals table", err)
	}

	_, err = j.db.Exec(`
		CREATE TABLE IF NOT EXISTS trades (
			id TEXT,
			symbol TEXT,
			direction TEXT,
			state TEXT,
			open_time TIMESTAMP,
			close_time TIMESTAMP,
			open_price DOUBLE,
			close_price DOUBLE,
			volume DOUBLE,
			realized_pnl DOUBLE,
			percent_change DOUBLE,
			close_reason TEXT
		)
	`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeJournalInitFailed, "failed to create trades table", err)
	}

	return nil
}

// RecordDeal appends one synthetic fill.
func (j *Journal) RecordDeal(deal types.DealRecord) error {
	_, err := j.sq.
		Insert("deals").
		Columns("number", "trade_id", "symbol", "time", "price", "volume", "is_buy", "phase").
		Values(deal.Number, deal.TradeID, deal.Symbol, deal.Time, deal.Price, deal.Volume, deal.IsBuy, deal.Phase).
		RunWith(j.db).
		Exec()
	if err != nil {
		return errors.Wrap(errors.ErrCodeJournalWriteFailed, "failed to record deal", err)
	}

	return nil
}

// RecordTrade appends one finished trade.
func (j *Journal) RecordTrade(record types.TradeRecord) error {
	_, err := j.sq.
		Insert("trades").
		Columns("id", "symbol", "direction", "state", "open_time", "close_time",
			"open_price", "close_price", "volume", "realized_pnl", "percent_change", "close_reason").
		Values(record.ID, record.Symbol, record.Direction, record.State, record.OpenTime, record.CloseTime,
			record.OpenPrice, record.ClosePrice, record.Volume, record.RealizedPnL, record.PercentChange, record.CloseReason).
		RunWith(j.db).
		Exec()
	if err != nil {
		return errors.Wrap(errors.ErrCodeJournalWriteFailed, "failed to record trade", err)
	}

	return nil
}

// Trades returns every recorded trade in close-time order.
func (j *Journal) Trades() ([]types.TradeRecord, error) {
	rows, err := j.sq.
		Select("id", "symbol", "direction", "state", "open_time", "close_time",
			"open_price", "close_price", "volume", "realized_pnl", "percent_change", "close_reason").
		From("trades").
		OrderBy("close_time").
		RunWith(j.db).
		Query()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeJournalQueryFailed, "failed to query trades", err)
	}
	defer rows.Close()

	var records []types.TradeRecord

	for rows.Next() {
		var r types.TradeRecord
		if err := rows.Scan(&r.ID, &r.Symbol, &r.Direction, &r.State, &r.OpenTime, &r.CloseTime,
			&r.OpenPrice, &r.ClosePrice, &r.Volume, &r.RealizedPnL, &r.PercentChange, &r.CloseReason); err != nil {
			return nil, errors.Wrap(errors.ErrCodeJournalQueryFailed, "failed to scan trade", err)
		}

		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeJournalQueryFailed, "failed to read trades", err)
	}

	return records, nil
}

// Deals returns every recorded fill in deal-number order.
func (j *Journal) Deals() ([]types.DealRecord, error) {
	rows, err := j.sq.
		Select("number", "trade_id", "symbol", "time", "price", "volume", "is_buy", "phase").
		From("deals").
		OrderBy("number").
		RunWith(j.db).
		Query()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeJournalQueryFailed, "failed to query deals", err)
	}
	defer rows.Close()

	var records []types.DealRecord

	for rows.Next() {
		var r types.DealRecord
		if err := rows.Scan(&r.Number, &r.TradeID, &r.Symbol, &r.Time, &r.Price, &r.Volume, &r.IsBuy, &r.Phase); err != nil {
			return nil, errors.Wrap(errors.ErrCodeJournalQueryFailed, "failed to scan deal", err)
		}

		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeJournalQueryFailed, "failed to read deals", err)
	}

	return records, nil
}

// Stats aggregates the run statistics over trades that closed normally.
func (j *Journal) Stats() (types.RunStats, error) {
	row := j.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN realized_pnl > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN realized_pnl < 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(realized_pnl), 0),
			COALESCE(MAX(realized_pnl), 0),
			COALESCE(MIN(realized_pnl), 0)
		FROM trades
		WHERE state = 'CLOSED'
	`)

	var stats types.RunStats

	err := row.Scan(&stats.TotalTrades, &stats.Winning, &stats.Losing,
		&stats.RealizedPnL, &stats.MaxProfit, &stats.MaxLoss)
	if err != nil {
		return types.RunStats{}, errors.Wrap(errors.ErrCodeJournalQueryFailed, "failed to compute run stats", err)
	}

	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.Winning) / float64(stats.TotalTrades)
	}

	return stats, nil
}

// Close releases the database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}

	err := j.db.Close()
	j.db = nil

	if err != nil {
		return errors.Wrap(errors.ErrCodeJournalInitFailed, "failed to close journal database", err)
	}

	return nil
}
