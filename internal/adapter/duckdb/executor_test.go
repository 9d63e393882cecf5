package duckdb

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/censusgate/censusgate/internal/domain"
)

func newMockExecutor(t *testing.T, timeout time.Duration, opts ...ExecutorOption) (*Executor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pool, err := NewPool(context.Background(), SQLFactory(db), PoolOptions{Min: 0, Max: 2})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewExecutor(pool, timeout, opts...), mock
}

func accepted(sanitized string, tables ...string) domain.ValidatedSQL {
	return domain.ValidatedSQL{
		Accepted:  true,
		Sanitized: sanitized,
		Tables:    tables,
		Limit:     domain.DefaultLimit,
	}
}

func TestExecutor_RunMaterializesRows(t *testing.T) {
	e, mock := newMockExecutor(t, time.Second)

	const q = "SELECT name, population FROM state_data LIMIT 1000"
	mock.ExpectQuery(q).WillReturnRows(
		sqlmock.NewRows([]string{"name", "population"}).
			AddRow("Texas", int64(29145505)).
			AddRow("Florida", int64(21538187)))

	res, err := e.Run(context.Background(), accepted(q, "state_data"))
	require.NoError(t, err)

	assert.Equal(t, 2, res.RowCount)
	assert.Equal(t, []string{"name", "population"}, res.Columns)
	assert.Equal(t, "Texas", res.Rows[0]["name"])
	assert.Equal(t, int64(29145505), res.Rows[0]["population"])
	assert.Equal(t, []string{"state_data"}, res.SourceTables)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutor_IntegerWidthsCollapseToInt64(t *testing.T) {
	e, mock := newMockExecutor(t, time.Second)

	const q = "SELECT median_age FROM state_data LIMIT 1"
	mock.ExpectQuery(q).WillReturnRows(
		sqlmock.NewRows([]string{"median_age"}).AddRow(int32(38)))

	res, err := e.Run(context.Background(), accepted(q, "state_data"))
	require.NoError(t, err)
	assert.Equal(t, int64(38), res.Rows[0]["median_age"])
}

func TestExecutor_EmptyResultIsNotAnError(t *testing.T) {
	e, mock := newMockExecutor(t, time.Second)

	const q = "SELECT name FROM county_data WHERE population > 99999999 LIMIT 1000"
	mock.ExpectQuery(q).WillReturnRows(sqlmock.NewRows([]string{"name"}))

	res, err := e.Run(context.Background(), accepted(q, "county_data"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.RowCount)
	assert.NotNil(t, res.Rows)
}

func TestExecutor_TimeoutClassified(t *testing.T) {
	e, mock := newMockExecutor(t, 50*time.Millisecond)

	const q = "SELECT name FROM county_data LIMIT 1000"
	mock.ExpectQuery(q).
		WillDelayFor(500 * time.Millisecond).
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	_, err := e.Run(context.Background(), accepted(q, "county_data"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQueryTimeout)
}

func TestExecutor_EngineErrorClassified(t *testing.T) {
	e, mock := newMockExecutor(t, time.Second)

	const q = "SELECT name FROM county_data LIMIT 1000"
	mock.ExpectQuery(q).WillReturnError(sql.ErrConnDone)

	_, err := e.Run(context.Background(), accepted(q, "county_data"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExecution)
}

func TestExecutor_RejectsUnvalidatedStatement(t *testing.T) {
	e, _ := newMockExecutor(t, time.Second)

	_, err := e.Run(context.Background(), domain.ValidatedSQL{
		Accepted:  false,
		Sanitized: "SELECT 1",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInternal)
}

type mapCache struct {
	store map[string]domain.QueryResult
	puts  int
}

func (m *mapCache) Get(ctx context.Context, key string) (*domain.QueryResult, bool) {
	res, ok := m.store[key]
	if !ok {
		return nil, false
	}
	return &res, true
}

func (m *mapCache) Put(ctx context.Context, key string, res domain.QueryResult) {
	m.store[key] = res
	m.puts++
}

func TestExecutor_CacheConsultedBeforeEngine(t *testing.T) {
	cache := &mapCache{store: map[string]domain.QueryResult{}}
	e, mock := newMockExecutor(t, time.Second, WithCache(cache))

	const q = "SELECT name FROM state_data LIMIT 1000"
	mock.ExpectQuery(q).WillReturnRows(
		sqlmock.NewRows([]string{"name"}).AddRow("Texas"))

	first, err := e.Run(context.Background(), accepted(q, "state_data"))
	require.NoError(t, err)
	assert.Equal(t, 1, cache.puts)

	// Second run must not hit the engine; no further expectations are set.
	second, err := e.Run(context.Background(), accepted(q, "state_data"))
	require.NoError(t, err)
	assert.Equal(t, first.RowCount, second.RowCount)
	assert.Equal(t, 1, cache.puts)
	assert.NoError(t, mock.ExpectationsWereMet())
}
