package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiscrobbler/multiscrobbler/internal/clock"
	"github.com/multiscrobbler/multiscrobbler/internal/errs"
	"github.com/multiscrobbler/multiscrobbler/internal/play"
)

// fakeAdapter records every Scrobble call and lets tests script
// per-call outcomes.
type fakeAdapter struct {
	mu    sync.Mutex
	calls []play.Play
	fail  func(p play.Play) error
}

func (f *fakeAdapter) Scrobble(_ context.Context, p play.Play) (play.Play, error) {
	f.mu.Lock()
	f.calls = append(f.calls, p)
	f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(p); err != nil {
			return play.Play{}, err
		}
	}
	return p, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testConfig(name string) Config {
	cfg := DefaultConfig(name)
	cfg.ScrobbleDelay = 0
	cfg.ScrobbleSleep = 10 * time.Millisecond
	cfg.DeadLetterInterval = 10 * time.Millisecond
	return cfg
}

func TestAlreadyScrobbled_ExactMatchBlocksSecondAttempt(t *testing.T) {
	// Invariant 4: a client never invokes adapter.Scrobble twice for a
	// play P once alreadyScrobbled(P) would return true.
	adapter := &fakeAdapter{}
	c := New(Params{Config: testConfig("test"), Adapter: adapter})

	p := play.Play{Track: "Sonora", Artists: []string{"The Bongo Hop"}, PlayDate: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	ok, err := c.Enqueue("src", p)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.processOne(context.Background(), c.Queued()[0]))
	c.mu.Lock()
	c.queue = nil
	c.mu.Unlock()
	assert.Equal(t, 1, adapter.callCount())

	// Same play, re-enqueued: alreadyScrobbled should catch it via the
	// scrobbledPlayObjs exact-match path and never call Scrobble again.
	ok, err = c.Enqueue("src", p)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, c.processOne(context.Background(), c.Queued()[0]))

	assert.Equal(t, 1, adapter.callCount(), "adapter.Scrobble must not be called a second time for the same play")
}

func TestAlreadyScrobbled_EmptyRecentScrobblesReturnsFalse(t *testing.T) {
	// Boundary: empty recentScrobbles -> existingScrobble returns false
	// (no match), since there is nothing to compare against yet and the
	// scrobbledPlayObjs ring is also empty.
	c := New(Params{Config: testConfig("test"), Adapter: &fakeAdapter{}})
	dup, score := c.alreadyScrobbled(play.Play{Track: "X", Artists: []string{"Y"}, PlayDate: time.Now()})
	assert.False(t, dup)
	assert.Zero(t, score.Overall)
}

func TestTimeFrameIsValid_OlderThanOldestScrobbleIsInvalid(t *testing.T) {
	c := New(Params{Config: testConfig("test"), Adapter: &fakeAdapter{}})
	c.oldestScrobbleTime = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	older := play.Play{PlayDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	newer := play.Play{PlayDate: time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)}

	assert.False(t, c.timeFrameIsValid(older))
	assert.True(t, c.timeFrameIsValid(newer))
}

func TestDeadLetter_RecoveryOnNextHeartbeat(t *testing.T) {
	// Scenario 5: first attempt fails non-show-stopper -> dead letter
	// with retries=0; next heartbeat succeeds -> removed and appears in
	// scrobbledPlayObjs.
	attempt := 0
	adapter := &fakeAdapter{fail: func(p play.Play) error {
		attempt++
		if attempt == 1 {
			return &errs.UpstreamError{ShowStopper: false, Err: assertErr("rate limited")}
		}
		return nil
	}}
	cfg := testConfig("test")
	c := New(Params{Config: cfg, Adapter: adapter, Clock: clock.System})

	p := play.Play{Track: "Song", Artists: []string{"Artist"}, PlayDate: time.Now()}
	_, err := c.Enqueue("src", p)
	require.NoError(t, err)

	require.NoError(t, c.processOne(context.Background(), c.Queued()[0]))
	c.mu.Lock()
	c.queue = nil
	c.mu.Unlock()

	dl := c.DeadLetters()
	require.Len(t, dl, 1)
	assert.Equal(t, 0, dl[0].Retries)

	c.retryDeadLetters(context.Background())

	assert.Empty(t, c.DeadLetters())
	objs := c.ScrobbledObjs()
	require.Len(t, objs, 1)
	assert.Equal(t, "Song", objs[0].Play.Track)
}

func TestDeadLetter_AbandonedAfterMaxRetries(t *testing.T) {
	// Invariant 5: after max deadLetterRetries failures, the entry stays
	// visible with retries==max and is no longer retried automatically.
	adapter := &fakeAdapter{fail: func(play.Play) error {
		return &errs.UpstreamError{ShowStopper: false, Err: assertErr("still failing")}
	}}
	cfg := testConfig("test")
	cfg.DeadLetterRetries = 2
	c := New(Params{Config: cfg, Adapter: adapter})

	p := play.Play{Track: "Song", Artists: []string{"Artist"}, PlayDate: time.Now()}
	_, _ = c.Enqueue("src", p)
	require.NoError(t, c.processOne(context.Background(), c.Queued()[0]))

	for i := 0; i < 5; i++ {
		c.retryDeadLetters(context.Background())
	}

	dl := c.DeadLetters()
	require.Len(t, dl, 1)
	assert.Equal(t, cfg.DeadLetterRetries, dl[0].Retries)
}

func TestEnqueue_QueueSortedByPlayDateAscending(t *testing.T) {
	// Invariant 6: queuedScrobbles is monotone non-decreasing in
	// play.playDate between suspension points.
	c := New(Params{Config: testConfig("test"), Adapter: &fakeAdapter{}})
	now := time.Now()
	_, _ = c.Enqueue("src", play.Play{Track: "C", Artists: []string{"A"}, PlayDate: now.Add(2 * time.Hour)})
	_, _ = c.Enqueue("src", play.Play{Track: "A", Artists: []string{"A"}, PlayDate: now})
	_, _ = c.Enqueue("src", play.Play{Track: "B", Artists: []string{"A"}, PlayDate: now.Add(time.Hour)})

	q := c.Queued()
	require.Len(t, q, 3)
	assert.Equal(t, "A", q[0].Play.Track)
	assert.Equal(t, "B", q[1].Play.Track)
	assert.Equal(t, "C", q[2].Play.Track)
}

func TestEnqueue_ExcludedSourceIsDropped(t *testing.T) {
	c := New(Params{Config: testConfig("test"), Adapter: &fakeAdapter{}, Excluded: []string{"blocked"}})
	ok, err := c.Enqueue("blocked", play.Play{Track: "X", Artists: []string{"Y"}, PlayDate: time.Now()})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, c.QueueLen())
}

// assertErr is a tiny error helper so tests don't need to import errors
// just to build a sentinel for UpstreamError.Err.
type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestSeedRecent_PrimesExistingScrobbleCheck(t *testing.T) {
	// A client seeded from a persisted recent-scrobbles snapshot should
	// behave exactly as if refreshRecentScrobbles had just run: the
	// timeframe check and the fuzzy existing-scrobble check both see the
	// seeded plays immediately, before any live upstream fetch.
	cfg := testConfig("test")
	cfg.CheckExistingScrobbles = true
	c := New(Params{Config: cfg, Adapter: &fakeAdapter{}})

	seeded := play.Play{Track: "Sonora", Artists: []string{"The Bongo Hop"}, PlayDate: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	fetchedAt := time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)
	c.SeedRecent([]play.Play{seeded}, fetchedAt)

	assert.Equal(t, []play.Play{seeded}, c.RecentScrobbles())
	assert.False(t, c.timeFrameIsValid(play.Play{PlayDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}))

	dup, _ := c.alreadyScrobbled(seeded)
	assert.True(t, dup, "seeded play should match itself via the fuzzy existing-scrobble check")
}
