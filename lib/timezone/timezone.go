package timezone

import "time"

var Location *time.Location

func init() {
	var err error
	Location, err = time.LoadLocation("Asia/Seoul")
	if err != nil {
		panic(err)
	}
}

// force the timezone to the portal's local time because our servers
// may end up deployed anywhere, while "today" and slot times only
// make sense in the library's own timezone.
func Now() time.Time {
	return time.Now().In(Location)
}

const dateLayout = "2006-01-02"

func FormatDate(t time.Time) string {
	return t.In(Location).Format(dateLayout)
}

func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(dateLayout, s, Location)
}

// reports whether a YYYY-MM-DD date string refers to the current day
// in the portal's timezone.
func IsToday(date string, now time.Time) bool {
	return date == FormatDate(now)
}
