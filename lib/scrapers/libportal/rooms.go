package libportal

import (
	"bytes"
	"context"
	"fmt"
	"regexp"

	"libseminar-backend/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Room identifies one bookable seminar room. The portal addresses a
// room by three codes; Code is the natural key within a directory
// snapshot (titles may repeat).
type Room struct {
	Location string `json:"sloc_code"`
	Category string `json:"cate_cd"`
	Code     string `json:"room_cd"`
	Title    string `json:"title"`
}

// the directory page renders each room as an anchor whose onclick
// calls seminar_resv('<page>','<location>','<category>','<room>',...);
// the four leading string arguments are all we need.
var roomOnclickRegex = regexp.MustCompile(
	`seminar_resv\('([^']*)',\s*'([^']*)',\s*'([^']*)',\s*'([^']*)'`,
)

// Rooms fetches and parses the room directory for the active session.
// Zero rooms is a valid result, not an error: it means no rooms are
// configured for this context.
func (c *Client) Rooms(ctx context.Context) ([]Room, error) {
	ctx, span := tracer.Start(ctx, "client:Rooms")
	defer span.End()

	res, err := c.Request(ctx, resty.MethodGet, roomListPath, "", nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch room directory")
		return nil, err
	}
	if landedOnLogin(res) {
		span.SetStatus(codes.Error, ErrSessionExpired.Error())
		return nil, ErrSessionExpired
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse room directory html")
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedMarkup, err)
	}

	var rooms []Room
	doc.Find(`a[onclick*="seminar_resv"]`).Each(func(_ int, a *goquery.Selection) {
		onclick := a.AttrOr("onclick", "")
		groups := roomOnclickRegex.FindStringSubmatch(onclick)
		if len(groups) < 5 {
			return
		}
		rooms = append(rooms, Room{
			Location: groups[2],
			Category: groups[3],
			Code:     groups[4],
			Title:    htmlutil.CleanText(a.Text()),
		})
	})

	span.SetAttributes(attribute.Int("room_count", len(rooms)))
	return rooms, nil
}
