package libportal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"libseminar-backend/lib/timezone"
)

// stubPortal fakes just enough of the library portal to exercise the
// session protocol: cookie-gated pages, the login form endpoint and
// the reservation page.
type stubPortal struct {
	mu sync.Mutex

	// last successfully submitted login form
	loginForm url.Values

	loginPageHits int
	loginSubmits  int
	directoryHits int
	slotHits      int

	// credentials the stub accepts
	username string
	password string

	// when set, a successful login response omits the LOGOUT marker,
	// forcing the client down the probe-request path
	omitLogoutMarker bool

	directoryHTML string
	// per-room slot page bodies keyed by seminar_code; missing rooms
	// get an empty select
	slotPages map[string]string
	// optional hook run before serving a slot page
	slotDelay time.Duration

	server *httptest.Server
}

const sessionCookie = "STUB_SESSION"

func newStubPortal(t *testing.T) *stubPortal {
	p := &stubPortal{
		username:  "20241476",
		password:  "hunter2",
		slotPages: map[string]string{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(loginPagePath, p.handleLoginPage)
	mux.HandleFunc(loginSubmitPath, p.handleLoginSubmit)
	mux.HandleFunc(roomListPath, p.handleDirectory)
	mux.HandleFunc(reservePath, p.handleReserve)

	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *stubPortal) authed(r *http.Request) bool {
	c, err := r.Cookie(sessionCookie)
	return err == nil && c.Value == "ok"
}

func (p *stubPortal) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.loginPageHits++
	p.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: "PRE_AUTH", Value: "1", Path: "/"})
	fmt.Fprint(w, `<html><body><form id="home_login"></form></body></html>`)
}

func (p *stubPortal) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	p.loginSubmits++
	p.mu.Unlock()

	if r.PostForm.Get("home_login_id_login01") != p.username ||
		r.PostForm.Get("home_login_password_login01") != p.password {
		http.Redirect(w, r, loginPagePath, http.StatusFound)
		return
	}

	p.mu.Lock()
	p.loginForm = r.PostForm
	p.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "ok", Path: "/"})
	if p.omitLogoutMarker {
		fmt.Fprint(w, `<html><body>stale cached landing page</body></html>`)
		return
	}
	fmt.Fprint(w, `<html><body><a href="/logout.mir">LOGOUT</a></body></html>`)
}

func (p *stubPortal) handleDirectory(w http.ResponseWriter, r *http.Request) {
	if !p.authed(r) {
		http.Redirect(w, r, loginPagePath, http.StatusFound)
		return
	}

	p.mu.Lock()
	p.directoryHits++
	html := p.directoryHTML
	p.mu.Unlock()

	fmt.Fprint(w, html)
}

func (p *stubPortal) handleReserve(w http.ResponseWriter, r *http.Request) {
	if !p.authed(r) {
		http.Redirect(w, r, loginPagePath, http.StatusFound)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	p.slotHits++
	page, ok := p.slotPages[r.PostForm.Get("seminar_code")]
	delay := p.slotDelay
	p.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if !ok {
		page = slotPage()
	}
	fmt.Fprint(w, page)
}

func (p *stubPortal) counts() (loginSubmits, directoryHits, slotHits int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loginSubmits, p.directoryHits, p.slotHits
}

func directoryPage(rooms ...[4]string) string {
	html := `<html><body><ul>`
	for _, room := range rooms {
		html += fmt.Sprintf(
			`<li><a href="#" onclick="seminar_resv('seminar_resv.mir', '%s', '%s', '%s', 'x');">%s</a></li>`,
			room[0], room[1], room[2], room[3],
		)
	}
	return html + `</ul></body></html>`
}

func slotPage(starts ...string) string {
	html := `<html><body><select id="start_time"><option>시간선택</option>`
	for _, s := range starts {
		html += fmt.Sprintf(`<option value="%s">%s</option>`, s, s)
	}
	return html + `</select></body></html>`
}

const closedPage = `<html><body><div class="notice">금일 예약마감 되었습니다.</div></body></html>`

const garbagePage = `<html><body><p>An unexpected error has occurred.</p></body></html>`

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestClient(t *testing.T, p *stubPortal, clock func() time.Time) *Client {
	if clock == nil {
		clock = timezone.Now
	}
	client, err := NewClient(ClientOptions{
		BaseUrl: p.server.URL,
		Credentials: Credentials{
			Username: p.username,
			Password: p.password,
		},
		Timeout: time.Second * 5,
		Clock:   clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)
	return client
}
