package libportal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"libseminar-backend/lib/timezone"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// RoomAvailability is what a crawl reports per room. A failed fetch
// still yields an entry, with zero times and the Failed marker set, so
// callers can tell "fully booked" from "could not determine" when
// deciding whether to alert or retry.
type RoomAvailability struct {
	Room
	Times      []TimeSlot `json:"times"`
	Failed     bool       `json:"failed,omitempty"`
	FailReason string     `json:"fail_reason,omitempty"`
}

// ProgressFunc receives percentage-complete updates, monotonically
// non-decreasing with a terminal value of 100.
type ProgressFunc func(pct int)

type progressTracker struct {
	fn   ProgressFunc
	mu   sync.Mutex
	last int
}

func (p *progressTracker) report(pct int) {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if pct <= p.last {
		return
	}
	p.last = pct
	p.fn(pct)
}

// Crawl fetches the open slots of every bookable room for a date:
// ensure the session is valid, list the directory, then fan the slot
// queries out under the concurrency cap. One room's failure never
// aborts the batch; authentication failure aborts everything (nothing
// can proceed without a session).
//
// Results come back in directory order, one entry per room.
func (c *Client) Crawl(ctx context.Context, date string, onProgress ProgressFunc) ([]RoomAvailability, error) {
	ctx, span := tracer.Start(ctx, "client:Crawl")
	defer span.End()
	span.SetAttributes(attribute.String("date", date))

	if _, err := timezone.ParseDate(date); err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", date, err)
	}

	progress := &progressTracker{fn: onProgress}
	progress.report(1)

	err := c.EnsureValid(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to establish session")
		return nil, err
	}
	progress.report(10)

	rooms, err := c.Rooms(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list rooms")
		return nil, err
	}
	progress.report(20)

	if len(rooms) == 0 {
		slog.InfoContext(ctx, "no rooms in directory, skipping slot queries", "date", date)
		progress.report(100)
		return []RoomAvailability{}, nil
	}

	slog.InfoContext(ctx, "crawling rooms", "date", date, "rooms", len(rooms), "concurrency", c.concurrency)

	outcomes := make([]FetchOutcome, len(rooms))
	var done atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)
	for i, room := range rooms {
		i, room := i, room
		g.Go(func() error {
			// a cancelled crawl stops issuing requests but still
			// accounts for every room
			if ctx.Err() != nil {
				outcomes[i] = FetchOutcome{Room: room, Status: StatusFailed, Err: ctx.Err()}
			} else {
				outcomes[i] = c.Slots(ctx, room, date)
			}

			if outcomes[i].Status == StatusFailed {
				slog.WarnContext(
					ctx, "slot query failed",
					"room", room.Code,
					"date", date,
					"err", outcomes[i].Err,
				)
			}

			finished := done.Add(1)
			progress.report(20 + int(60*finished/int64(len(rooms))))
			return nil
		})
	}
	g.Wait()

	expired := 0
	results := make([]RoomAvailability, len(outcomes))
	for i, outcome := range outcomes {
		entry := RoomAvailability{
			Room:  outcome.Room,
			Times: outcome.Times,
		}
		if entry.Times == nil {
			entry.Times = []TimeSlot{}
		}
		if outcome.Status == StatusFailed {
			entry.Failed = true
			entry.FailReason = outcome.Err.Error()
			if errors.Is(outcome.Err, ErrSessionExpired) {
				expired++
			}
		}
		results[i] = entry
	}

	// requests landing on the login page mid-batch mean the session
	// died under us. repair happens before the next crawl, not here:
	// re-logging-in now would race the remaining in-flight view of
	// the cookie jar.
	if expired > 0 {
		slog.WarnContext(ctx, "session expired during crawl, scheduling re-login", "affected_rooms", expired)
		c.Invalidate()
	}

	progress.report(100)
	return results, nil
}
