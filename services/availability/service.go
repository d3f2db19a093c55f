package availability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"libseminar-backend/lib/scrapers/libportal"
	"libseminar-backend/lib/timezone"
	"libseminar-backend/services/availability/db"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/availability")

// Crawler is the slice of the portal client this service needs;
// narrowed for tests.
type Crawler interface {
	Crawl(ctx context.Context, date string, onProgress libportal.ProgressFunc) ([]libportal.RoomAvailability, error)
}

type Options struct {
	Crawler Crawler
	DB      *sql.DB
	// how long a cached snapshot stays fresh, defaults to 10 minutes
	CacheTtl time.Duration
	// injectable clock, defaults to timezone.Now
	Clock func() time.Time
}

// Service fronts the crawler with a date-keyed snapshot cache so
// consumers get an answer in milliseconds while crawls (tens of
// seconds for dozens of rooms) happen on demand or in the background.
type Service struct {
	crawler Crawler
	db      *sql.DB
	qry     *db.Queries
	ttl     time.Duration
	now     func() time.Time

	// the portal session is shared; overlapping crawls would fight
	// over it and trip the portal's abuse detection
	crawlMu sync.Mutex

	progress *progressBroker
}

func NewService(ctx context.Context, opts Options) (*Service, error) {
	if opts.Crawler == nil {
		return nil, fmt.Errorf("a crawler is required")
	}
	if opts.CacheTtl <= 0 {
		opts.CacheTtl = time.Minute * 10
	}
	if opts.Clock == nil {
		opts.Clock = timezone.Now
	}

	_, err := opts.DB.ExecContext(ctx, db.Schema)
	if err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Service{
		crawler:  opts.Crawler,
		db:       opts.DB,
		qry:      db.New(opts.DB),
		ttl:      opts.CacheTtl,
		now:      opts.Clock,
		progress: newProgressBroker(),
	}, nil
}

// Result is the payload handed to external consumers.
type Result struct {
	Date      string                       `json:"date"`
	Cached    bool                         `json:"cached"`
	FetchedAt time.Time                    `json:"fetchedAt"`
	Rooms     []libportal.RoomAvailability `json:"rooms"`
}

// Get returns room availability for a date, from cache when a fresh
// snapshot exists, crawling otherwise. `force` bypasses the cache.
func (s *Service) Get(ctx context.Context, date string, force bool) (Result, error) {
	ctx, span := tracer.Start(ctx, "Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("date", date),
		attribute.Bool("force", force),
	)

	if _, err := timezone.ParseDate(date); err != nil {
		span.SetStatus(codes.Error, "invalid date")
		return Result{}, fmt.Errorf("invalid date %q: %w", date, err)
	}

	if !force {
		snapshot, err := s.qry.GetSnapshot(ctx, date)
		switch {
		case err == nil:
			fetchedAt := time.Unix(snapshot.FetchedAt, 0).In(timezone.Location)
			if s.now().Sub(fetchedAt) <= s.ttl {
				var rooms []libportal.RoomAvailability
				err = json.Unmarshal([]byte(snapshot.RoomsJson), &rooms)
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, "failed to decode cached snapshot")
					return Result{}, err
				}
				span.AddEvent("cache hit")
				return Result{
					Date:      date,
					Cached:    true,
					FetchedAt: fetchedAt,
					Rooms:     rooms,
				}, nil
			}
		case errors.Is(err, sql.ErrNoRows):
			// cache miss, fall through to a crawl
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to read snapshot")
			return Result{}, err
		}
	}

	return s.refresh(ctx, date)
}

// refresh runs one crawl and stores the snapshot.
func (s *Service) refresh(ctx context.Context, date string) (Result, error) {
	ctx, span := tracer.Start(ctx, "refresh")
	defer span.End()

	s.crawlMu.Lock()
	defer s.crawlMu.Unlock()

	fetchedAt := s.now()
	rooms, err := s.crawler.Crawl(ctx, date, s.progress.publish)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "crawl failed")
		return Result{}, err
	}

	failed := 0
	for _, r := range rooms {
		if r.Failed {
			failed++
		}
	}
	slog.InfoContext(
		ctx, "crawl finished",
		"date", date,
		"rooms", len(rooms),
		"failed", failed,
		"took", time.Since(fetchedAt).Round(time.Millisecond),
	)

	encoded, err := json.Marshal(rooms)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode snapshot")
		return Result{}, err
	}
	err = s.qry.UpsertSnapshot(ctx, db.UpsertSnapshotParams{
		Date:      date,
		FetchedAt: fetchedAt.Unix(),
		RoomsJson: string(encoded),
	})
	if err != nil {
		// the crawl result is still good; a broken cache should not
		// take the answer down with it
		slog.WarnContext(ctx, "failed to store snapshot", "date", date, "err", err)
	}

	return Result{
		Date:      date,
		Cached:    false,
		FetchedAt: fetchedAt,
		Rooms:     rooms,
	}, nil
}

// SubscribeProgress registers for crawl progress percentages. The
// returned cancel func must be called to unsubscribe.
func (s *Service) SubscribeProgress() (<-chan int, func()) {
	return s.progress.subscribe()
}

// TargetDate picks the date the background refresher should keep warm:
// past 20:00 portal-local the library is closing, so interest shifts
// to tomorrow.
func TargetDate(now time.Time) string {
	now = now.In(timezone.Location)
	if now.Hour() >= 20 {
		return timezone.FormatDate(now.AddDate(0, 0, 1))
	}
	return timezone.FormatDate(now)
}

// RunRefresher keeps the target date's snapshot warm until the context
// ends. A failed cycle is logged and retried on the next tick.
func (s *Service) RunRefresher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute * 10
	}

	refresh := func() {
		date := TargetDate(s.now())
		_, err := s.refresh(ctx, date)
		if err != nil {
			slog.ErrorContext(ctx, "background refresh failed", "date", date, "err", err)
			return
		}
		err = s.qry.DeleteSnapshotsBefore(ctx, timezone.FormatDate(s.now()))
		if err != nil {
			slog.WarnContext(ctx, "failed to prune stale snapshots", "err", err)
		}
	}

	refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			refresh()
		case <-ctx.Done():
			return
		}
	}
}
