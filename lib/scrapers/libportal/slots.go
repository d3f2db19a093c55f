package libportal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"libseminar-backend/lib/htmlutil"
	"libseminar-backend/lib/timezone"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// every bookable slot spans exactly half an hour; the portal only
// lists start times, the end is always derived.
const termLength = 30 * time.Minute

// TimeSlot is one bookable interval, both endpoints in HH:MM.
type TimeSlot struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type FetchStatus int

const (
	// the room has at least one open slot
	StatusOk FetchStatus = iota
	// the query succeeded and the room verifiably has no open slots
	StatusEmpty
	// the query could not determine the room's slots. never to be
	// confused with StatusEmpty: "no slots" and "don't know" demand
	// different reactions upstream.
	StatusFailed
)

// FetchOutcome is the per-room result of a slot query. Exactly one is
// produced for every room handed to a crawl, regardless of failures.
type FetchOutcome struct {
	Room   Room
	Status FetchStatus
	Times  []TimeSlot
	// cause of a StatusFailed outcome, nil otherwise
	Err error
}

var (
	hhmmRegex = regexp.MustCompile(`^\d{1,2}:\d{2}$`)

	// rendered by the portal in place of the booking form once a day
	// is closed for reservations
	closedNoticeMarkers = []string{
		"예약마감",
		"예약이 마감",
	}

	errAmbiguousSlotPage = errors.New("no slot markers and no closed notice, ambiguous page state")
)

// slotQueryForm mirrors the reservation page's form. The portal wants
// the date both combined (resv_datev) and split into year/month/day.
func slotQueryForm(room Room, date string) []formField {
	parts := strings.SplitN(date, "-", 3)
	return []formField{
		{"sloc_code", room.Location},
		{"group_code", room.Category},
		{"seminar_code", room.Code},
		{"resv_datev", date},
		{"seminar_name", room.Title},
		{"year", parts[0]},
		{"month", parts[1]},
		{"day", parts[2]},
	}
}

// Slots queries one room's open slots for a date (YYYY-MM-DD). It
// never returns an error: every failure mode is folded into the
// outcome so a batch can account for all of its rooms.
func (c *Client) Slots(ctx context.Context, room Room, date string) FetchOutcome {
	ctx, span := tracer.Start(ctx, "client:Slots")
	defer span.End()
	span.SetAttributes(
		attribute.String("room", room.Code),
		attribute.String("date", date),
	)

	failed := func(err error) FetchOutcome {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return FetchOutcome{Room: room, Status: StatusFailed, Err: err}
	}

	if _, err := timezone.ParseDate(date); err != nil {
		return failed(fmt.Errorf("invalid date %q: %w", date, err))
	}

	res, err := c.Request(
		ctx,
		resty.MethodPost,
		reservePath,
		encodeForm(slotQueryForm(room, date)),
		nil,
	)
	if err != nil {
		return failed(err)
	}
	if landedOnLogin(res) {
		return failed(ErrSessionExpired)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		return failed(fmt.Errorf("%w: %v", ErrUnexpectedMarkup, err))
	}

	starts := parseSlotStarts(doc)
	if starts == nil {
		// the slot listing structure is missing entirely; without an
		// explicit closed notice we cannot tell "fully booked" from
		// "page we don't understand", and guessing Empty would hide
		// real failures
		if pageSignalsClosed(res.String()) {
			return FetchOutcome{Room: room, Status: StatusEmpty}
		}
		return failed(errAmbiguousSlotPage)
	}

	if timezone.IsToday(date, c.now()) {
		starts = dropPastStarts(starts, c.now())
	}
	if len(starts) == 0 {
		return FetchOutcome{Room: room, Status: StatusEmpty}
	}

	times := make([]TimeSlot, len(starts))
	for i, s := range starts {
		times[i] = TimeSlot{Start: s, End: addTerm(s)}
	}

	span.SetAttributes(attribute.Int("slot_count", len(times)))
	return FetchOutcome{Room: room, Status: StatusOk, Times: times}
}

// parseSlotStarts returns the HH:MM start options in page order, an
// empty (non-nil) slice when the listing exists but holds no valid
// options, and nil when the listing structure is absent.
func parseSlotStarts(doc *goquery.Document) []string {
	sel := doc.Find("select#start_time")
	if sel.Length() == 0 {
		return nil
	}

	starts := []string{}
	sel.Find("option").Each(func(_ int, opt *goquery.Selection) {
		text := htmlutil.CleanText(opt.Text())
		if hhmmRegex.MatchString(text) {
			starts = append(starts, text)
		}
	})
	return starts
}

func pageSignalsClosed(body string) bool {
	for _, marker := range closedNoticeMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

func parseHHMM(s string) (hour, minute int) {
	parts := strings.SplitN(s, ":", 2)
	hour, _ = strconv.Atoi(parts[0])
	minute, _ = strconv.Atoi(parts[1])
	return hour, minute
}

// dropPastStarts removes slots that already began: a same-day slot
// whose start is at or before the current wall clock is not bookable.
func dropPastStarts(starts []string, now time.Time) []string {
	kept := []string{}
	for _, s := range starts {
		hour, minute := parseHHMM(s)
		if hour > now.Hour() || (hour == now.Hour() && minute > now.Minute()) {
			kept = append(kept, s)
		}
	}
	return kept
}

// addTerm computes a slot's end time. Calendar arithmetic, not string
// math: 23:45 rolls over to 00:15.
func addTerm(start string) string {
	hour, minute := parseHHMM(start)
	t := time.Date(2000, time.January, 1, hour, minute, 0, 0, time.UTC)
	return t.Add(termLength).Format("15:04")
}
