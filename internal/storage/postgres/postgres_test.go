package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickd/tickd/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(sqlx.NewDb(db, "sqlmock"), time.Second), mock
}

var testKey = domain.AssetKey{Market: "crypto", Provider: "kraken", Symbol: "XBT/USD", Timeframe: "1m"}

func TestUpsertBars(t *testing.T) {
	store, mock := newMockStore(t)

	bars := []domain.Bar{
		{Timestamp: 60_000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
		{Timestamp: 120_000, Open: 1.5, High: 3, Low: 1, Close: 2, Volume: 20},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO ohlcv_data`)
	for _, b := range bars {
		prep.ExpectExec().
			WithArgs(testKey.Market, testKey.Provider, testKey.Symbol, testKey.Timeframe,
				b.Timestamp, b.Open, b.High, b.Low, b.Close, b.Volume).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	require.NoError(t, store.UpsertBars(context.Background(), testKey, bars))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBarsEmptyIsNoop(t *testing.T) {
	store, mock := newMockStore(t)
	require.NoError(t, store.UpsertBars(context.Background(), testKey, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadBarsNewestFirstWhenNoSince(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"timestamp", "open", "high", "low", "close", "volume"}).
		AddRow(180_000, 3.0, 4.0, 2.0, 3.5, 30.0).
		AddRow(120_000, 2.0, 3.0, 1.0, 2.5, 20.0)
	mock.ExpectQuery(`ORDER BY timestamp DESC`).
		WithArgs(testKey.Market, testKey.Provider, testKey.Symbol, testKey.Timeframe, int64(240_000), 2).
		WillReturnRows(rows)

	bars, err := store.ReadBars(context.Background(), testKey, nil, 240_000, 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	// Flipped back to ascending.
	assert.Equal(t, int64(120_000), bars[0].Timestamp)
	assert.Equal(t, int64(180_000), bars[1].Timestamp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadBarsAscendingWithSince(t *testing.T) {
	store, mock := newMockStore(t)

	since := int64(60_000)
	rows := sqlmock.NewRows([]string{"timestamp", "open", "high", "low", "close", "volume"}).
		AddRow(60_000, 1.0, 2.0, 0.5, 1.5, 10.0)
	mock.ExpectQuery(`ORDER BY timestamp ASC`).
		WithArgs(testKey.Market, testKey.Provider, testKey.Symbol, testKey.Timeframe, since, 5).
		WillReturnRows(rows)

	bars, err := store.ReadBars(context.Background(), testKey, &since, 0, 5)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOldestTimestamp(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT MIN\(timestamp\) FROM ohlcv_data`).
		WithArgs(testKey.Market, testKey.Provider, testKey.Symbol, testKey.Timeframe).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(60_000))

	ts, ok, err := store.OldestTimestamp(context.Background(), testKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(60_000), ts)
}

func TestOldestTimestampEmptyTable(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT MIN\(timestamp\) FROM ohlcv_data`).
		WithArgs(testKey.Market, testKey.Provider, testKey.Symbol, testKey.Timeframe).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(nil))

	_, ok, err := store.OldestTimestamp(context.Background(), testKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadViewConfigs(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"view_name", "target_timeframe", "base_timeframe", "bucket_interval", "is_active"}).
		AddRow("ohlcv_5m_agg", "5m", "1m", "5 minutes", true).
		AddRow("ohlcv_1h_agg", "1h", "1m", "1 hour", true)
	mock.ExpectQuery(`FROM preaggregation_configs`).WillReturnRows(rows)

	configs, err := store.LoadViewConfigs(context.Background())
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "ohlcv_5m_agg", configs["5m"].ViewName)
}

func TestReadViewBarsRejectsBadViewName(t *testing.T) {
	store, _ := newMockStore(t)
	_, err := store.ReadViewBars(context.Background(), "ohlcv; DROP TABLE", testKey.Asset(), nil, 0, 10)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
