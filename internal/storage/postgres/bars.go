package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tickd/tickd/internal/domain"
)

// UpsertBars writes bars for the key inside one transaction, replacing
// rows that already exist at the same timestamp.
func (s *Store) UpsertBars(ctx context.Context, key domain.AssetKey, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ohlcv_data (market, provider, symbol, timeframe, timestamp, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (market, provider, symbol, timeframe, timestamp)
		DO UPDATE SET open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
		              close = EXCLUDED.close, volume = EXCLUDED.volume`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx,
			key.Market, key.Provider, key.Symbol, key.Timeframe,
			b.Timestamp, b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			return fmt.Errorf("failed to upsert bar at %d: %w", b.Timestamp, err)
		}
	}
	return tx.Commit()
}

// ReadBars returns bars for the key within [since, before), ascending.
// With a nil since the newest limit bars are selected.
func (s *Store) ReadBars(ctx context.Context, key domain.AssetKey, since *int64, before int64, limit int) ([]domain.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := []interface{}{key.Market, key.Provider, key.Symbol, key.Timeframe}
	where := `market = $1 AND provider = $2 AND symbol = $3 AND timeframe = $4`
	if since != nil {
		args = append(args, *since)
		where += fmt.Sprintf(` AND timestamp >= $%d`, len(args))
	}
	if before > 0 {
		args = append(args, before)
		where += fmt.Sprintf(` AND timestamp < $%d`, len(args))
	}

	// With no lower bound the newest rows satisfy the limit; select them
	// descending and flip afterwards.
	order := "ASC"
	if since == nil {
		order = "DESC"
	}
	query := fmt.Sprintf(`
		SELECT timestamp, open, high, low, close, volume
		FROM ohlcv_data
		WHERE %s
		ORDER BY timestamp %s`, where, order)
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	var bars []domain.Bar
	if err := s.db.SelectContext(ctx, &bars, query, args...); err != nil {
		return nil, fmt.Errorf("failed to read bars: %w", err)
	}
	if order == "DESC" {
		for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
			bars[i], bars[j] = bars[j], bars[i]
		}
	}
	return bars, nil
}

// OldestTimestamp returns MIN(timestamp) for the key.
func (s *Store) OldestTimestamp(ctx context.Context, key domain.AssetKey) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var ts sql.NullInt64
	err := s.db.GetContext(ctx, &ts, `
		SELECT MIN(timestamp) FROM ohlcv_data
		WHERE market = $1 AND provider = $2 AND symbol = $3 AND timeframe = $4`,
		key.Market, key.Provider, key.Symbol, key.Timeframe)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read oldest timestamp: %w", err)
	}
	if !ts.Valid {
		return 0, false, nil
	}
	return ts.Int64, true, nil
}
