package postgres

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gencrawl/gencrawl/internal/state"
	"github.com/gencrawl/gencrawl/internal/store"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return New(mock), mock
}

func TestSaveUpserts(t *testing.T) {
	s, mock := newMockStore(t)
	data := state.NewData("c1")
	raw, err := json.Marshal(data)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs("c1", raw).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Save(context.Background(), data))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadRoundTrip(t *testing.T) {
	s, mock := newMockStore(t)
	data := state.NewData("c1")
	data.Metrics.URLsCrawled = 9
	raw, err := json.Marshal(data)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT data FROM crawl_jobs WHERE crawl_id").
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(raw))

	got, err := s.Load(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.CrawlID)
	assert.Equal(t, 9, got.Metrics.URLsCrawled)
	assert.Equal(t, state.StateQueued, got.CurrentState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadMissingMapsToNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT data FROM crawl_jobs WHERE crawl_id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Load(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadAll(t *testing.T) {
	s, mock := newMockStore(t)
	a, err := json.Marshal(state.NewData("c1"))
	require.NoError(t, err)
	b, err := json.Marshal(state.NewData("c2"))
	require.NoError(t, err)

	mock.ExpectQuery("SELECT data FROM crawl_jobs ORDER BY updated_at").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(a).AddRow(b))

	jobs, err := s.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "c1", jobs[0].CrawlID)
	assert.Equal(t, "c2", jobs[1].CrawlID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteMissingRowIsNotAnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM crawl_jobs WHERE crawl_id").
		WithArgs("gone").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, s.Delete(context.Background(), "gone"))
	require.NoError(t, mock.ExpectationsWereMet())
}
