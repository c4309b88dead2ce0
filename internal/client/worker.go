package client

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/multiscrobbler/multiscrobbler/internal/bus"
	"github.com/multiscrobbler/multiscrobbler/internal/compare"
	"github.com/multiscrobbler/multiscrobbler/internal/errs"
	"github.com/multiscrobbler/multiscrobbler/internal/play"
)

// StartWorker starts the main scrobble worker loop (spec §4.4) in a
// background goroutine. It is valid only once per Client and rejects
// re-entrant calls, matching the source poll loop's contract.
func (c *Client) StartWorker(ctx context.Context) error {
	if err := c.lc.MarkRunning(); err != nil {
		return fmt.Errorf("client %s: %w", c.cfg.Name, err)
	}

	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return fmt.Errorf("client %s: worker already running", c.cfg.Name)
	}
	stop := make(chan struct{})
	c.stop = stop
	c.scrobbling = true
	c.mu.Unlock()

	go c.supervise(ctx, stop)
	return nil
}

// StopWorker signals the worker loop to exit at its next iteration
// boundary (the cooperative userScrobblingStopSignal of spec §5).
func (c *Client) StopWorker() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.scrobbling = false
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// supervise runs runLoop, applying the show-stopper backoff/retry
// contract from spec §4.4/§7: a show-stopping UpstreamError (or network
// exception) exits runLoop with an error; supervise backs off and
// restarts it, up to MaxPollRetries, after which the client deauths and
// stops.
func (c *Client) supervise(ctx context.Context, stop chan struct{}) {
	defer c.lc.MarkIdle()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		err := c.runLoop(ctx, stop)
		if err == nil {
			return
		}

		if errs.Is(err, errs.KindAuthRevoked) {
			c.lc.Deauth(err)
			return
		}

		attempt++
		if c.logger != nil {
			c.logger.Warn("client worker failed", "client", c.cfg.Name, "attempt", attempt, "error", err)
		}
		if attempt > c.cfg.MaxPollRetries {
			c.lc.Deauth(fmt.Errorf("client %s: exceeded max retries: %w", c.cfg.Name, err))
			return
		}
		if !c.wait(ctx, stop, backoffDelay(c.cfg, attempt)) {
			return
		}
	}
}

// runLoop implements the spec §4.4 main worker loop body. It returns nil
// only when told to stop; any returned error is a show-stopper the
// supervisor should back off and retry.
func (c *Client) runLoop(ctx context.Context, stop chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		for {
			q, ok := c.popFront()
			if !ok {
				break
			}
			if err := c.processOne(ctx, q); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case <-stop:
				return nil
			default:
			}
		}

		if !c.wait(ctx, stop, c.cfg.ScrobbleSleep) {
			return nil
		}
	}
}

// processOne runs one queued scrobble through the existing-scrobble
// check, compare/postCompare transforms, pacing, and the scrobble
// attempt itself. A show-stopping failure requeues q at the front and
// returns the error so runLoop exits for the supervisor's backoff.
func (c *Client) processOne(ctx context.Context, q play.QueuedScrobble) error {
	if c.bus != nil {
		c.bus.Publish(bus.Event{
			Type: bus.KindScrobbleDequeued,
			Name: c.cfg.Name,
			From: bus.OriginClient,
			Data: q,
		})
	}

	c.mu.Lock()
	// latestQueuePlayDate (spec §4.4): the queue is kept sorted ascending
	// by playDate, so once q (the front/oldest) is popped, the newest
	// remaining entry - if any - carries the later of the two dates.
	latest := q.Play.PlayDate
	if n := len(c.queue); n > 0 && c.queue[n-1].Play.PlayDate.After(latest) {
		latest = c.queue[n-1].Play.PlayDate
	}
	needsRefresh := c.recent != nil && c.lastScrobbleCheck.Before(latest)
	c.mu.Unlock()
	if needsRefresh {
		if err := c.refreshRecentScrobbles(ctx); err != nil {
			if c.logger != nil {
				c.logger.Warn("client: refresh recent scrobbles failed", "client", c.cfg.Name, "error", err)
			}
		}
	}

	if !c.timeFrameIsValid(q.Play) {
		if c.logger != nil {
			c.logger.Info("client: dropping play older than oldest known scrobble",
				"client", c.cfg.Name, "track", q.Play.Track, "play_date", q.Play.PlayDate)
		}
		return nil
	}

	if dup, _ := c.alreadyScrobbled(q.Play); dup {
		return nil
	}

	out, err := c.engine.PostCompare(q.Play)
	if err != nil {
		// transform.ErrAllArtistsRemoved is the only error ApplyStage
		// raises; per spec §8's boundary behavior ("Artist rule reducing
		// all artists to empty -> Play dropped with warning") the
		// scrobble is dropped, not sent with a missing artist list.
		if c.logger != nil {
			c.logger.Warn("client: postCompare emptied all artists, dropping scrobble",
				"client", c.cfg.Name, "track", q.Play.Track, "error", err)
		}
		return nil
	}
	// A postCompare rule that empties title/album (rather than every
	// artist) sends the scrobble with that field missing, per
	// SPEC_FULL.md's resolution of the spec's Open Question: Normalize
	// already represents "" as unset, so out is sent as-is.
	out = out.Normalize()

	c.pace(ctx)

	result, scrobbleErr := c.adapter.Scrobble(ctx, out)
	if scrobbleErr != nil {
		var upErr *errs.UpstreamError
		if errors.As(scrobbleErr, &upErr) {
			if upErr.ShowStopper {
				c.requeueFront(q)
				return upErr
			}
			c.addDeadLetter(q, scrobbleErr)
			return nil
		}
		// A bare network exception is treated the same as a show-stopper:
		// requeue and let the supervisor back off (spec §7).
		c.requeueFront(q)
		return scrobbleErr
	}

	c.mu.Lock()
	c.scrobbledObjs.Add(play.ScrobbledPlayObject{Play: q.Play, Scrobble: result})
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(bus.Event{
			Type: bus.KindScrobble,
			Name: c.cfg.Name,
			From: bus.OriginClient,
			Data: play.ScrobbledPlayObject{Play: q.Play, Scrobble: result},
		})
	}
	return nil
}

// pace ensures at least ScrobbleDelay has elapsed since the previous
// adapter.Scrobble call (spec §4.4 "Scrobble pacing").
func (c *Client) pace(ctx context.Context) {
	c.mu.Lock()
	last := c.lastScrobbleAt
	c.mu.Unlock()
	if last.IsZero() {
		c.mu.Lock()
		c.lastScrobbleAt = c.clock.Now()
		c.mu.Unlock()
		return
	}
	elapsed := c.clock.Now().Sub(last)
	if elapsed < c.cfg.ScrobbleDelay {
		select {
		case <-ctx.Done():
		case <-c.clock.After(c.cfg.ScrobbleDelay - elapsed):
		}
	}
	c.mu.Lock()
	c.lastScrobbleAt = c.clock.Now()
	c.mu.Unlock()
}

// refreshRecentScrobbles pulls the upstream snapshot via RecentFetcher
// and resets recentScrobbles and oldestScrobbleTime/lastScrobbleCheck.
func (c *Client) refreshRecentScrobbles(ctx context.Context) error {
	if c.recent == nil {
		return nil
	}
	items, err := c.recent.FetchRecent(ctx)
	if err != nil {
		return errs.New(errs.KindNetworkTransient, "client.refreshRecentScrobbles", err)
	}
	sorted := append([]play.Play(nil), items...)
	sortByPlayDateAsc(sorted)

	c.mu.Lock()
	c.recentScrobbles.Reset(sorted)
	if len(sorted) > 0 {
		c.oldestScrobbleTime = sorted[0].PlayDate
	}
	c.lastScrobbleCheck = c.clock.Now()
	c.mu.Unlock()
	return nil
}

func sortByPlayDateAsc(items []play.Play) {
	for i := 1; i < len(items); i++ {
		for k := i; k > 0 && items[k].PlayDate.Before(items[k-1].PlayDate); k-- {
			items[k], items[k-1] = items[k-1], items[k]
		}
	}
}

// timeFrameIsValid reports whether p is newer than the oldest scrobble
// in the last-known upstream snapshot (spec §4.4 "Timeframe check"). An
// unset oldestScrobbleTime (no snapshot pulled yet) always passes.
func (c *Client) timeFrameIsValid(p play.Play) bool {
	c.mu.Lock()
	oldest := c.oldestScrobbleTime
	c.mu.Unlock()
	if oldest.IsZero() {
		return true
	}
	return p.PlayDate.After(oldest)
}

// alreadyScrobbled implements the spec §4.4 existing-scrobble check:
// first an exact match against the client's own scrobbledPlayObjs ring,
// then (if non-empty) a fuzzy comparator pass against the
// recentScrobbles snapshot. The fuzzy pass records its closest score
// for observability (the matching score on a duplicate, else the best
// one seen); the exact-match path and an empty snapshot record nothing.
func (c *Client) alreadyScrobbled(p play.Play) (bool, compare.Score) {
	if !c.cfg.CheckExistingScrobbles {
		return false, compare.Score{}
	}

	candidate, err := c.engine.CompareCandidate(p)
	if err != nil {
		candidate = p
	}

	c.mu.Lock()
	scrobbled := c.scrobbledObjs.Items()
	recent := c.recentScrobbles.Items()
	c.mu.Unlock()

	for _, s := range scrobbled {
		existing, err := c.engine.CompareExisting(s.Play)
		if err != nil {
			existing = s.Play
		}
		if exactMatch(candidate, existing) && closeInTime(candidate, existing, c.cmpOpts) {
			return true, compare.Score{Overall: 1}
		}
	}

	if len(recent) == 0 {
		return false, compare.Score{}
	}

	var best compare.Score
	for _, r := range recent {
		existing, err := c.engine.CompareExisting(r)
		if err != nil {
			existing = r
		}
		score := compare.Compare(candidate, existing, c.cmpOpts)
		if score.Overall > best.Overall {
			best = score
		}
		if score.IsDuplicate() {
			c.mu.Lock()
			c.closestMatch = &score
			c.mu.Unlock()
			return true, score
		}
	}

	c.mu.Lock()
	c.closestMatch = &best
	c.mu.Unlock()
	return false, best
}

// exactMatch is step 1 of alreadyScrobbled (spec §4.4): track/artist/album
// equality, case- and whitespace-insensitive, independent of the
// comparator's fuzzy title/artist scoring.
func exactMatch(a, b play.Play) bool {
	return normEq(a.Track, b.Track) && normEq(a.PrimaryArtist(), b.PrimaryArtist()) && normEq(a.Album, b.Album)
}

func normEq(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// closeInTime reports whether a and b's playDates are within the
// comparator's CLOSE tolerance, the temporal half of exactMatch's
// "(track/artist/album equality) AND temporal CLOSE" rule.
func closeInTime(a, b play.Play, opts compare.Options) bool {
	if a.PlayDate.IsZero() || b.PlayDate.IsZero() {
		return false
	}
	diff := a.PlayDate.Sub(b.PlayDate)
	if diff < 0 {
		diff = -diff
	}
	return diff <= opts.CloseTolerance
}
