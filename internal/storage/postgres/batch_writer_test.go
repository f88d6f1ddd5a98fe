package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

type fakeResults struct {
	pool *fakePool
	n    int
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	r.n++
	if r.pool.failAt == r.pool.execs+r.n {
		return pgconn.CommandTag{}, errors.New("deadlock detected")
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}
func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error {
	r.pool.execs += r.n
	r.pool.closed++
	return nil
}

type fakePool struct {
	batches []*pgx.Batch
	execs   int
	closed  int
	failAt  int
}

func (p *fakePool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (p *fakePool) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	p.batches = append(p.batches, b)
	return &fakeResults{pool: p}
}
func (p *fakePool) Ping(context.Context) error { return nil }
func (p *fakePool) Close()                     {}

func updates(n int) []fleet.Update {
	out := make([]fleet.Update, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, fleet.Update{
			MatchID:    "m1",
			Kind:       fleet.UpdateBall,
			Key:        "ball-" + string(rune('a'+i)),
			Sequence:   int64(i),
			Body:       json.RawMessage(`{"runs":1}`),
			ProducedAt: time.Unix(1_700_000_000, 0).UTC(),
		})
	}
	return out
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	w, err := NewWithPool(mock, Config{Table: "live_updates"})
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS live_updates").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, w.EnsureSchema(context.Background()))

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS live_updates").
		WillReturnError(errors.New("permission denied"))
	require.ErrorContains(t, w.EnsureSchema(context.Background()), "permission denied")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	w, err := NewWithPool(mock, Config{})
	require.NoError(t, err)

	mock.ExpectPing()
	require.True(t, w.HealthCheck(context.Background()))
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	require.False(t, w.HealthCheck(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolValidates(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, Config{})
	require.Error(t, err)
	_, err = NewWithPool(&fakePool{}, Config{Table: "updates; DROP TABLE x"})
	require.ErrorContains(t, err, "invalid table name")

	_, err = New(context.Background(), Config{})
	require.Error(t, err)
}

func TestPushSplitsIntoBatches(t *testing.T) {
	t.Parallel()

	pool := &fakePool{}
	w, err := NewWithPool(pool, Config{BatchSize: 2})
	require.NoError(t, err)

	require.NoError(t, w.Push(context.Background(), fleet.Payload{MatchID: "m1", Updates: updates(5)}))
	require.Len(t, pool.batches, 3)
	require.Equal(t, []int{2, 2, 1}, []int{pool.batches[0].Len(), pool.batches[1].Len(), pool.batches[2].Len()})
	require.Equal(t, 5, pool.execs)
	require.Equal(t, 3, pool.closed)

	first := pool.batches[0].QueuedQueries[0]
	require.Contains(t, first.SQL, "INSERT INTO match_updates")
	require.Contains(t, first.SQL, "WHERE match_updates.sequence <= EXCLUDED.sequence")
	require.Equal(t, []any{"m1", "ball", "ball-b", int64(1), []byte(`{"runs":1}`), time.Unix(1_700_000_000, 0).UTC()}, first.Arguments)

	require.NoError(t, w.Push(context.Background(), fleet.Payload{MatchID: "m1"}))
	require.Len(t, pool.batches, 3)
}

func TestPushReportsFailedStatement(t *testing.T) {
	t.Parallel()

	pool := &fakePool{failAt: 3}
	w, err := NewWithPool(pool, Config{BatchSize: 2})
	require.NoError(t, err)

	err = w.Push(context.Background(), fleet.Payload{MatchID: "m1", Updates: updates(4)})
	require.ErrorContains(t, err, "push m1 updates 2-3")
	require.ErrorContains(t, err, "deadlock detected")
	require.Len(t, pool.batches, 2)
	require.Equal(t, 2, pool.closed)
}
