package postgres

import (
	"context"
	"fmt"
	"regexp"

	"github.com/tickd/tickd/internal/domain"
	"github.com/tickd/tickd/internal/storage"
)

// View names come from preaggregation_configs and are interpolated into
// queries, so they must be plain identifiers.
var viewNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// LoadViewConfigs returns the active continuous-aggregate configs keyed by
// target timeframe.
func (s *Store) LoadViewConfigs(ctx context.Context) (map[string]storage.ViewConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []storage.ViewConfig
	err := s.db.SelectContext(ctx, &rows, `
		SELECT view_name, target_timeframe, base_timeframe, bucket_interval, is_active
		FROM preaggregation_configs
		WHERE is_active = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("failed to load view configs: %w", err)
	}

	configs := make(map[string]storage.ViewConfig, len(rows))
	for _, row := range rows {
		configs[row.TargetTimeframe] = row
	}
	return configs, nil
}

// ReadViewBars queries one continuous aggregate for bars in [since, before).
func (s *Store) ReadViewBars(ctx context.Context, viewName string, asset domain.Asset, since *int64, before int64, limit int) ([]domain.Bar, error) {
	if !viewNameRe.MatchString(viewName) {
		return nil, fmt.Errorf("%w: invalid view name %q", domain.ErrValidation, viewName)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := []interface{}{asset.Market, asset.Provider, asset.Symbol}
	where := `market = $1 AND provider = $2 AND symbol = $3`
	if since != nil {
		args = append(args, *since)
		where += fmt.Sprintf(` AND bucketed_time >= $%d`, len(args))
	}
	if before > 0 {
		args = append(args, before)
		where += fmt.Sprintf(` AND bucketed_time < $%d`, len(args))
	}

	order := "ASC"
	if since == nil {
		order = "DESC"
	}
	query := fmt.Sprintf(`
		SELECT bucketed_time AS timestamp, open, high, low, close, volume
		FROM %s
		WHERE %s
		ORDER BY bucketed_time %s`, viewName, where, order)
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	var bars []domain.Bar
	if err := s.db.SelectContext(ctx, &bars, query, args...); err != nil {
		return nil, fmt.Errorf("failed to read view %s: %w", viewName, err)
	}
	if order == "DESC" {
		for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
			bars[i], bars[j] = bars[j], bars[i]
		}
	}
	return bars, nil
}
