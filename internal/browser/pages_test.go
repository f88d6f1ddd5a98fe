package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/pool"
)

func newTestPagePool(t *testing.T, cfg PagePoolConfig) (*PagePool, *fakeBrowser, *fakeClock, *recordingEmitter) {
	t.Helper()
	b := &fakeBrowser{}
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	em := &recordingEmitter{}
	pp, err := NewPagePool(b, cfg, pool.Options{Clock: clk, Emitter: em})
	require.NoError(t, err)
	return pp, b, clk, em
}

func TestPagePool_ReusesPageAcrossPolls(t *testing.T) {
	t.Parallel()

	pp, b, _, _ := newTestPagePool(t, PagePoolConfig{MaxPages: 2})
	ctx := context.Background()

	first, err := pp.GetOrCreate(ctx, "m1", "https://scores.test/m1")
	require.NoError(t, err)
	require.True(t, first.Fresh)
	require.Equal(t, pool.Stats{Name: PagePoolName, MaxSize: 2, InUse: 1}, pp.Summary())
	pp.Release(first, nil)
	require.Equal(t, pool.Stats{Name: PagePoolName, MaxSize: 2, Idle: 1}, pp.Summary())

	second, err := pp.GetOrCreate(ctx, "m1", "https://scores.test/m1")
	require.NoError(t, err)
	require.False(t, second.Fresh)
	require.Same(t, first.Page, second.Page)
	pp.Release(second, nil)

	require.EqualValues(t, 1, b.next.Load())
	require.Equal(t, []string{"https://scores.test/m1"}, first.Page.(*fakePage).navigated)
}

func TestPagePool_RejectsConcurrentLeaseForSameMatch(t *testing.T) {
	t.Parallel()

	pp, _, _, _ := newTestPagePool(t, PagePoolConfig{MaxPages: 2})
	lease, err := pp.GetOrCreate(context.Background(), "m1", "u1")
	require.NoError(t, err)

	_, err = pp.GetOrCreate(context.Background(), "m1", "u1")
	require.ErrorIs(t, err, ErrPageBusy)
	pp.Release(lease, nil)
}

func TestPagePool_ReplacesExpiredPage(t *testing.T) {
	t.Parallel()

	pp, _, clk, em := newTestPagePool(t, PagePoolConfig{MaxPages: 2, MaxAge: time.Hour, MaxErrors: 2})
	ctx := context.Background()

	lease, err := pp.GetOrCreate(ctx, "m1", "u1")
	require.NoError(t, err)
	old := lease.Page.(*fakePage)
	pp.Release(lease, nil)

	clk.Advance(2 * time.Hour)
	lease, err = pp.GetOrCreate(ctx, "m1", "u1")
	require.NoError(t, err)
	require.True(t, lease.Fresh)
	require.EqualValues(t, 1, old.closes.Load())

	// Two failing polls retire the page on release.
	pp.Release(lease, errors.New("selector missing"))
	lease, err = pp.GetOrCreate(ctx, "m1", "u1")
	require.NoError(t, err)
	require.False(t, lease.Fresh)
	errored := lease.Page.(*fakePage)
	pp.Release(lease, errors.New("selector missing"))
	require.EqualValues(t, 1, errored.closes.Load())
	require.Zero(t, pp.Len())
	require.Equal(t, []string{pool.ReasonMaxAge, pool.ReasonMaxErrors}, em.reasonsFor("m1"))
}

func TestPagePool_EvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	t.Parallel()

	pp, _, clk, em := newTestPagePool(t, PagePoolConfig{MaxPages: 2})
	ctx := context.Background()

	for _, id := range []string{"m1", "m2"} {
		lease, err := pp.GetOrCreate(ctx, id, "u-"+id)
		require.NoError(t, err)
		pp.Release(lease, nil)
		clk.Advance(time.Second)
	}
	// Touch m1 so m2 becomes the least recently used.
	lease, err := pp.GetOrCreate(ctx, "m1", "u-m1")
	require.NoError(t, err)
	pp.Release(lease, nil)

	lease, err = pp.GetOrCreate(ctx, "m3", "u-m3")
	require.NoError(t, err)
	pp.Release(lease, nil)

	ids := make([]string, 0, 2)
	for _, st := range pp.Stats() {
		ids = append(ids, st.MatchID)
	}
	require.Equal(t, []string{"m1", "m3"}, ids)
	require.Equal(t, []string{pool.ReasonLRU}, em.reasonsFor("m2"))
}

func TestPagePool_NeverEvictsLeasedPage(t *testing.T) {
	t.Parallel()

	pp, _, _, _ := newTestPagePool(t, PagePoolConfig{MaxPages: 2})
	ctx := context.Background()

	held, err := pp.GetOrCreate(ctx, "m1", "u1")
	require.NoError(t, err)
	idle, err := pp.GetOrCreate(ctx, "m2", "u2")
	require.NoError(t, err)
	pp.Release(idle, nil)

	lease, err := pp.GetOrCreate(ctx, "m3", "u3")
	require.NoError(t, err)
	require.Zero(t, held.Page.(*fakePage).closes.Load())
	require.EqualValues(t, 1, idle.Page.(*fakePage).closes.Load())
	pp.Release(lease, nil)
	pp.Release(held, nil)
}

func TestPagePool_RemoveWhileLeased(t *testing.T) {
	t.Parallel()

	pp, _, _, _ := newTestPagePool(t, PagePoolConfig{MaxPages: 1})
	lease, err := pp.GetOrCreate(context.Background(), "m1", "u1")
	require.NoError(t, err)

	pp.Remove("m1")
	require.Zero(t, lease.Page.(*fakePage).closes.Load())
	pp.Release(lease, nil)
	require.EqualValues(t, 1, lease.Page.(*fakePage).closes.Load())
	require.Zero(t, pp.Len())
}

func TestPagePool_NavigationFailureFreesSlot(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{navErr: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	pp, err := NewPagePool(b, PagePoolConfig{MaxPages: 1}, pool.Options{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := pp.GetOrCreate(context.Background(), "m1", "u1")
		require.ErrorContains(t, err, "ERR_NAME_NOT_RESOLVED")
	}
	require.Zero(t, pp.Len())
	for _, page := range b.pages {
		require.EqualValues(t, 1, page.closes.Load())
	}
}

func TestPagePool_RecycleForcesLeasedPagesAndResetsBrowser(t *testing.T) {
	t.Parallel()

	pp, b, _, em := newTestPagePool(t, PagePoolConfig{MaxPages: 2, ShutdownGrace: 20 * time.Millisecond})
	ctx := context.Background()

	held, err := pp.GetOrCreate(ctx, "m1", "u1")
	require.NoError(t, err)

	require.NoError(t, pp.Recycle(ctx))
	require.EqualValues(t, 1, b.resets.Load())
	require.EqualValues(t, 1, held.Page.(*fakePage).closes.Load())
	require.Equal(t, []string{pool.ReasonForced}, em.reasonsFor("m1"))

	pp.Release(held, nil)
	require.EqualValues(t, 1, held.Page.(*fakePage).closes.Load())

	fresh, err := pp.GetOrCreate(ctx, "m1", "u1")
	require.NoError(t, err)
	require.True(t, fresh.Fresh)
	pp.Release(fresh, nil)
}

func TestPagePool_ShutdownRefusesLeases(t *testing.T) {
	t.Parallel()

	pp, _, _, _ := newTestPagePool(t, PagePoolConfig{MaxPages: 1})
	lease, err := pp.GetOrCreate(context.Background(), "m1", "u1")
	require.NoError(t, err)
	pp.Release(lease, nil)

	require.NoError(t, pp.Shutdown(context.Background()))
	require.EqualValues(t, 1, lease.Page.(*fakePage).closes.Load())
	_, err = pp.GetOrCreate(context.Background(), "m1", "u1")
	require.ErrorIs(t, err, pool.ErrClosed)
}

func TestContextPool_RecycleResetsBrowser(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{}
	cp, err := NewContextPool(b, pool.Config{MaxSize: 2}, pool.Options{})
	require.NoError(t, err)

	res, err := cp.Acquire(context.Background())
	require.NoError(t, err)
	cp.Release(res)
	require.NoError(t, cp.Recycle(context.Background()))
	require.EqualValues(t, 1, b.resets.Load())
	require.EqualValues(t, 1, res.Value.(*fakePage).closes.Load())

	broken, err := NewContextPool(&brokenBrowser{}, pool.Config{MaxSize: 1}, pool.Options{})
	require.NoError(t, err)
	_, err = broken.Acquire(context.Background())
	require.ErrorContains(t, err, "chrome crashed")
}
