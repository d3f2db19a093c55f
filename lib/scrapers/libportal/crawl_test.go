package libportal

import (
	"context"
	"testing"
	"time"

	"libseminar-backend/lib/timezone"

	"github.com/stretchr/testify/require"
)

func TestCrawl(t *testing.T) {
	portal := newStubPortal(t)
	portal.directoryHTML = directoryPage(
		[4]string{"DJUL", "C", "C01", "캐럴1실"},
		[4]string{"DJUL", "SEMINAR", "S07", "세미나실7"},
	)
	portal.slotPages["C01"] = slotPage("09:00", "09:30", "10:00")
	portal.slotPages["S07"] = slotPage()

	now := time.Date(2025, time.April, 17, 9, 15, 0, 0, timezone.Location)
	client := newTestClient(t, portal, fixedClock(now))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	var reported []int
	results, err := client.Crawl(ctx, "2025-04-18", func(pct int) {
		reported = append(reported, pct)
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	byCode := map[string]RoomAvailability{}
	for _, r := range results {
		byCode[r.Code] = r
	}

	require.Equal(t, []TimeSlot{
		{Start: "09:00", End: "09:30"},
		{Start: "09:30", End: "10:00"},
		{Start: "10:00", End: "10:30"},
	}, byCode["C01"].Times)
	require.False(t, byCode["C01"].Failed)

	// fully booked is a real answer, not a failure
	require.Empty(t, byCode["S07"].Times)
	require.False(t, byCode["S07"].Failed)

	require.NotEmpty(t, reported)
	require.Equal(t, 100, reported[len(reported)-1])
	for i := 1; i < len(reported); i++ {
		require.GreaterOrEqual(t, reported[i], reported[i-1], "progress must be monotonic")
	}
}

func TestCrawlPartialFailure(t *testing.T) {
	portal := newStubPortal(t)
	portal.directoryHTML = directoryPage(
		[4]string{"DJUL", "C", "C01", "캐럴1실"},
		[4]string{"DJUL", "C", "C02", "캐럴2실"},
	)
	portal.slotPages["C01"] = slotPage("13:00")
	portal.slotPages["C02"] = garbagePage

	client := newTestClient(t, portal, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	results, err := client.Crawl(ctx, "2030-01-02", nil)
	require.NoError(t, err)
	require.Len(t, results, 2, "every room yields exactly one result")

	byCode := map[string]RoomAvailability{}
	for _, r := range results {
		byCode[r.Code] = r
	}

	require.False(t, byCode["C01"].Failed)
	require.Equal(t, []TimeSlot{{Start: "13:00", End: "13:30"}}, byCode["C01"].Times)

	require.True(t, byCode["C02"].Failed)
	require.NotEmpty(t, byCode["C02"].FailReason)
	require.Empty(t, byCode["C02"].Times)
}

func TestCrawlEmptyDirectory(t *testing.T) {
	portal := newStubPortal(t)
	portal.directoryHTML = `<html><body></body></html>`
	client := newTestClient(t, portal, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	var last int
	results, err := client.Crawl(ctx, "2030-01-02", func(pct int) { last = pct })
	require.NoError(t, err)
	require.Empty(t, results)
	require.Equal(t, 100, last)

	_, _, slotHits := portal.counts()
	require.Zero(t, slotHits, "an empty directory must not trigger slot queries")
}

func TestCrawlBadCredentialsAbortsEverything(t *testing.T) {
	portal := newStubPortal(t)
	portal.directoryHTML = directoryPage([4]string{"DJUL", "C", "C01", "캐럴1실"})
	client, err := NewClient(ClientOptions{
		BaseUrl:     portal.server.URL,
		Credentials: Credentials{Username: "someone", Password: "wrong"},
	})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	_, err = client.Crawl(ctx, "2030-01-02", nil)
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, slotHits := portal.counts()
	require.Zero(t, slotHits)
}

func TestCrawlCancellation(t *testing.T) {
	portal := newStubPortal(t)
	rooms := make([][4]string, 8)
	for i := range rooms {
		code := string(rune('A'+i)) + "01"
		rooms[i] = [4]string{"DJUL", "C", code, "room " + code}
	}
	portal.directoryHTML = directoryPage(rooms...)
	portal.slotDelay = time.Millisecond * 300

	client, err := NewClient(ClientOptions{
		BaseUrl:     portal.server.URL,
		Credentials: Credentials{Username: portal.username, Password: portal.password},
		Concurrency: 2,
	})
	require.NoError(t, err)
	defer client.Close()

	loginCtx, cancelLogin := context.WithTimeout(context.Background(), time.Second*10)
	defer cancelLogin()
	require.NoError(t, client.Login(loginCtx))

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
	defer cancel()

	start := time.Now()
	results, err := client.Crawl(ctx, "2030-01-02", nil)
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second*5, "a cancelled crawl must not hang")

	require.Len(t, results, len(rooms), "cancellation must still account for every room")

	failed := 0
	for _, r := range results {
		if r.Failed {
			failed++
		}
	}
	require.Greater(t, failed, 0, "rooms cut off by cancellation must report failure, not emptiness")
}
