package client

import (
	"context"
	"errors"
	"sort"

	"github.com/multiscrobbler/multiscrobbler/internal/bus"
	"github.com/multiscrobbler/multiscrobbler/internal/errs"
	"github.com/multiscrobbler/multiscrobbler/internal/play"
)

// addDeadLetter moves q into the dead-letter list with retries=0 (spec
// §8 scenario 5), recording err's message.
func (c *Client) addDeadLetter(q play.QueuedScrobble, err error) {
	entry := play.DeadLetterScrobble{
		QueuedScrobble: q,
		Retries:        0,
		Error:          err.Error(),
		LastRetry:      c.clock.Now(),
	}
	c.mu.Lock()
	c.deadLetter = append(c.deadLetter, entry)
	c.mu.Unlock()
	c.savePersisted(entry)
	if c.bus != nil {
		c.bus.Publish(bus.Event{
			Type: bus.KindDeadLetter,
			Name: c.cfg.Name,
			From: bus.OriginClient,
			Data: entry,
		})
	}
}

// StartDeadLetterLoop starts the dead-letter heartbeat (spec §4.4): once
// per DeadLetterInterval, every entry with retries < DeadLetterRetries
// is replayed oldest-playDate-first via the same scrobble path as the
// main loop. On success the entry is removed; on failure its retry
// counter, error, and lastRetry are updated. Entries that reach
// DeadLetterRetries stay visible but are no longer retried (spec
// invariant 5).
func (c *Client) StartDeadLetterLoop(ctx context.Context) {
	c.mu.Lock()
	if c.dlStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.dlStop = stop
	c.mu.Unlock()

	go c.deadLetterLoop(ctx, stop)
}

// StopDeadLetterLoop signals the heartbeat goroutine to exit.
func (c *Client) StopDeadLetterLoop() {
	c.mu.Lock()
	stop := c.dlStop
	c.dlStop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (c *Client) deadLetterLoop(ctx context.Context, stop chan struct{}) {
	for {
		if !c.wait(ctx, stop, c.cfg.DeadLetterInterval) {
			return
		}
		c.retryDeadLetters(ctx)
	}
}

// retryDeadLetters runs one heartbeat tick. It is a separate unexported
// method so tests in this package can drive a tick deterministically
// without waiting on the real interval.
func (c *Client) retryDeadLetters(ctx context.Context) {
	c.mu.Lock()
	pending := make([]play.DeadLetterScrobble, 0, len(c.deadLetter))
	for _, d := range c.deadLetter {
		if d.Retries < c.cfg.DeadLetterRetries {
			pending = append(pending, d)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Play.PlayDate.Before(pending[j].Play.PlayDate)
	})
	c.mu.Unlock()

	for _, d := range pending {
		c.pace(ctx)
		out, err := c.engine.PostCompare(d.Play)
		if err != nil {
			out = d.Play
		}
		out = out.Normalize()

		result, scrobbleErr := c.adapter.Scrobble(ctx, out)
		if scrobbleErr == nil {
			c.removeDeadLetter(d.ID)
			c.mu.Lock()
			c.scrobbledObjs.Add(play.ScrobbledPlayObject{Play: d.Play, Scrobble: result})
			c.mu.Unlock()
			if c.bus != nil {
				c.bus.Publish(bus.Event{
					Type: bus.KindScrobble,
					Name: c.cfg.Name,
					From: bus.OriginClient,
					Data: play.ScrobbledPlayObject{Play: d.Play, Scrobble: result},
				})
			}
			continue
		}

		var upErr *errs.UpstreamError
		msg := scrobbleErr.Error()
		if errors.As(scrobbleErr, &upErr) {
			msg = upErr.Error()
		}
		c.bumpDeadLetter(d.ID, msg)
	}
}

func (c *Client) removeDeadLetter(id string) {
	c.mu.Lock()
	for i, d := range c.deadLetter {
		if d.ID == id {
			c.deadLetter = append(c.deadLetter[:i], c.deadLetter[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if c.persist != nil {
		if err := c.persist.DeleteDeadLetter(c.cfg.Name, id); err != nil && c.logger != nil {
			c.logger.Error("client: delete persisted dead letter failed", "client", c.cfg.Name, "error", err)
		}
	}
}

func (c *Client) bumpDeadLetter(id, errMsg string) {
	var updated play.DeadLetterScrobble
	var found bool

	c.mu.Lock()
	for i := range c.deadLetter {
		if c.deadLetter[i].ID == id {
			c.deadLetter[i].Retries++
			c.deadLetter[i].Error = errMsg
			c.deadLetter[i].LastRetry = c.clock.Now()
			updated = c.deadLetter[i]
			found = true
			break
		}
	}
	c.mu.Unlock()

	if found {
		c.savePersisted(updated)
	}
}

// savePersisted mirrors entry to the configured Persist store, logging
// (not failing) on error so a transient disk/db hiccup never blocks the
// dead-letter heartbeat itself.
func (c *Client) savePersisted(entry play.DeadLetterScrobble) {
	if c.persist == nil {
		return
	}
	if err := c.persist.SaveDeadLetter(c.cfg.Name, entry); err != nil && c.logger != nil {
		c.logger.Error("client: persist dead letter failed", "client", c.cfg.Name, "error", err)
	}
}
