package server

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"libseminar-backend/lib/scrapers/libportal"
	"libseminar-backend/lib/timezone"
	"libseminar-backend/services/availability"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

type crawlerFunc func(ctx context.Context, date string, onProgress libportal.ProgressFunc) ([]libportal.RoomAvailability, error)

func (f crawlerFunc) Crawl(ctx context.Context, date string, onProgress libportal.ProgressFunc) ([]libportal.RoomAvailability, error) {
	return f(ctx, date, onProgress)
}

func newTestServer(t *testing.T, crawl crawlerFunc) *httptest.Server {
	sqldb, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	t.Cleanup(func() { sqldb.Close() })

	svc, err := availability.NewService(context.Background(), availability.Options{
		Crawler: crawl,
		DB:      sqldb,
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	New(svc).Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func oneRoom() []libportal.RoomAvailability {
	return []libportal.RoomAvailability{{
		Room: libportal.Room{
			Location: "1",
			Category: "2",
			Code:     "3",
			Title:    "세미나실 1",
		},
		Times: []libportal.TimeSlot{{Start: "10:00", End: "10:30"}},
	}}
}

func TestAvailabilityEndpoint(t *testing.T) {
	calls := 0
	ts := newTestServer(t, func(ctx context.Context, date string, onProgress libportal.ProgressFunc) ([]libportal.RoomAvailability, error) {
		calls++
		require.Equal(t, "2025-04-17", date)
		return oneRoom(), nil
	})

	res, err := http.Get(ts.URL + "/api/availability?date=2025-04-17")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))

	var payload availability.Result
	require.NoError(t, json.NewDecoder(res.Body).Decode(&payload))
	require.Equal(t, "2025-04-17", payload.Date)
	require.False(t, payload.Cached)
	require.Len(t, payload.Rooms, 1)
	require.Equal(t, "세미나실 1", payload.Rooms[0].Title)

	// second hit is served from cache
	res2, err := http.Get(ts.URL + "/api/availability?date=2025-04-17")
	require.NoError(t, err)
	defer res2.Body.Close()
	require.NoError(t, json.NewDecoder(res2.Body).Decode(&payload))
	require.True(t, payload.Cached)
	require.Equal(t, 1, calls)
}

func TestAvailabilityCacheBuster(t *testing.T) {
	calls := 0
	ts := newTestServer(t, func(ctx context.Context, date string, onProgress libportal.ProgressFunc) ([]libportal.RoomAvailability, error) {
		calls++
		return oneRoom(), nil
	})

	_, err := http.Get(ts.URL + "/api/availability?date=2025-04-17")
	require.NoError(t, err)
	_, err = http.Get(ts.URL + "/api/availability?date=2025-04-17&_ts=1744850000")
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestAvailabilityDefaultsDate(t *testing.T) {
	var crawled string
	ts := newTestServer(t, func(ctx context.Context, date string, onProgress libportal.ProgressFunc) ([]libportal.RoomAvailability, error) {
		crawled = date
		return oneRoom(), nil
	})

	res, err := http.Get(ts.URL + "/api/availability")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, availability.TargetDate(timezone.Now()), crawled)
}

func TestAvailabilityCrawlError(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, date string, onProgress libportal.ProgressFunc) ([]libportal.RoomAvailability, error) {
		return nil, libportal.ErrPortalUnreachable
	})

	res, err := http.Get(ts.URL + "/api/availability?date=2025-04-17")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusInternalServerError, res.StatusCode)

	var payload map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&payload))
	require.NotEmpty(t, payload["error"])
	require.NotEmpty(t, payload["message"])
}

func TestCrawlEndpointAlwaysCrawls(t *testing.T) {
	calls := 0
	ts := newTestServer(t, func(ctx context.Context, date string, onProgress libportal.ProgressFunc) ([]libportal.RoomAvailability, error) {
		calls++
		return oneRoom(), nil
	})

	for i := 0; i < 2; i++ {
		res, err := http.Get(ts.URL + "/api/crawl?date=2025-04-17")
		require.NoError(t, err)
		res.Body.Close()
		require.Equal(t, http.StatusOK, res.StatusCode)
	}
	require.Equal(t, 2, calls)
}

func TestCorsPreflight(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, date string, onProgress libportal.ProgressFunc) ([]libportal.RoomAvailability, error) {
		t.Fatal("preflight should not crawl")
		return nil, nil
	})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/availability", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	require.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
}

func TestProgressStream(t *testing.T) {
	release := make(chan struct{})
	ts := newTestServer(t, func(ctx context.Context, date string, onProgress libportal.ProgressFunc) ([]libportal.RoomAvailability, error) {
		<-release
		onProgress(1)
		onProgress(100)
		return oneRoom(), nil
	})

	res, err := http.Get(ts.URL + "/api/progress")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	go func() {
		// give the handler a moment to register its subscriber
		time.Sleep(time.Millisecond * 100)
		close(release)
		http.Get(ts.URL + "/api/crawl?date=2025-04-17")
	}()

	reader := bufio.NewReader(res.Body)
	var events []string
	deadline := time.After(time.Second * 5)
	for len(events) < 2 {
		lineCh := make(chan string, 1)
		go func() {
			line, err := reader.ReadString('\n')
			if err == nil {
				lineCh <- line
			}
		}()
		select {
		case line := <-lineCh:
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "data: ") {
				events = append(events, strings.TrimPrefix(line, "data: "))
			}
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %v", events)
		}
	}
	require.Equal(t, []string{"1", "100"}, events)
}
