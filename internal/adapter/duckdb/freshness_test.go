package duckdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFreshnessPool(t *testing.T) (*Pool, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pool, err := NewPool(context.Background(), SQLFactory(db), PoolOptions{Min: 1, Max: 1, AcquireTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool, mock
}

func TestFreshnessLoadsStamps(t *testing.T) {
	pool, mock := newFreshnessPool(t)
	loaded := time.Date(2026, 6, 1, 4, 30, 0, 0, time.UTC)
	mock.ExpectQuery(freshnessQuery).WillReturnRows(
		sqlmock.NewRows([]string{"table_name", "last_refresh"}).
			AddRow("state_data", loaded).
			AddRow("county_data", loaded.Add(time.Hour)))

	f := NewFreshness(context.Background(), pool, 0)
	defer f.Close()

	stamps := f.Stamps([]string{"state_data", "county_data", "block_group_data"})
	require.Len(t, stamps, 2)
	assert.Equal(t, loaded, stamps["state_data"])
	assert.Equal(t, loaded.Add(time.Hour), stamps["county_data"])
	_, ok := stamps["block_group_data"]
	assert.False(t, ok)
}

func TestFreshnessInitialFailureNotFatal(t *testing.T) {
	pool, mock := newFreshnessPool(t)
	mock.ExpectQuery(freshnessQuery).WillReturnError(errors.New("no such table"))

	f := NewFreshness(context.Background(), pool, 0)
	defer f.Close()

	assert.Empty(t, f.Stamps([]string{"state_data"}))
}

func TestFreshnessKeepsStampsOnFailedRefresh(t *testing.T) {
	pool, mock := newFreshnessPool(t)
	loaded := time.Date(2026, 6, 1, 4, 30, 0, 0, time.UTC)
	mock.ExpectQuery(freshnessQuery).WillReturnRows(
		sqlmock.NewRows([]string{"table_name", "last_refresh"}).AddRow("state_data", loaded))
	mock.ExpectQuery(freshnessQuery).WillReturnError(errors.New("db locked"))

	f := NewFreshness(context.Background(), pool, 0)
	defer f.Close()

	require.Error(t, f.refresh(context.Background()))
	stamps := f.Stamps([]string{"state_data"})
	assert.Equal(t, loaded, stamps["state_data"])
}
