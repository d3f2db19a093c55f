package libportal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"libseminar-backend/lib/restyutil"
	"libseminar-backend/lib/timezone"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/libportal")

const (
	loginPagePath   = "/home_login_write.mir"
	loginSubmitPath = "/home_security_login_write_prss.mir"
	roomListPath    = "/seminar_seminar_list.mir"
	reservePath     = "/seminar_resv.mir"

	// the body of any page rendered for an authenticated session
	// carries a logout affordance; its absence alone is not proof of
	// failure, so login also probes an authenticated-only page.
	logoutMarker = "LOGOUT"

	formContentType = "application/x-www-form-urlencoded"

	// the portal expires idle sessions somewhere above half an hour;
	// renewing at 25 minutes keeps a comfortable margin.
	renewalThreshold = 25 * time.Minute
)

var (
	ErrInvalidCredentials = errors.New("portal rejected the credentials")
	ErrPortalUnreachable  = errors.New("portal is unreachable")
	ErrSessionExpired     = errors.New("session reverted to anonymous")
	ErrClientClosed       = errors.New("portal client is closed")
	ErrRequestTimeout     = errors.New("portal request timed out")
	ErrConnectionFailed   = errors.New("portal connection failed")
	ErrUnexpectedMarkup   = errors.New("unexpected portal markup")
)

type Credentials struct {
	Username string
	Password string
}

type ClientOptions struct {
	// base URL of the library portal, e.g. "https://library.daejin.ac.kr"
	BaseUrl     string
	Credentials Credentials
	// portal location code sent with the login form, defaults to "DJUL"
	LocationCode string
	// maximum in-flight slot requests during a crawl, defaults to 12.
	// large enough to parallelize, small enough to stay under the
	// portal's abuse detection.
	Concurrency int
	// per-request timeout, defaults to 30s
	Timeout time.Duration
	// injectable clock used for the same-day slot filter and session
	// renewal bookkeeping, defaults to timezone.Now
	Clock func() time.Time
	// optional sink for raw request/response dumps
	DebugOutput restyutil.InstrumentOutput
}

type sessionState int

const (
	stateAnonymous sessionState = iota
	stateAuthenticated
)

// Client owns one authenticated session with the portal: the cookie
// jar, the credentials to (re)establish it and the renewal clock.
// Nothing else ever mutates the cookies.
type Client struct {
	baseUrl     *url.URL
	http        *resty.Client
	creds       Credentials
	location    string
	concurrency int
	now         func() time.Time

	closed atomic.Bool

	// serializes login and renewal; at most one of either is ever in
	// flight, and a fan-out never observes a half-renewed jar.
	mu          sync.Mutex
	state       sessionState
	lastRenewed time.Time
}

func NewClient(opts ClientOptions) (*Client, error) {
	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}
	if opts.Credentials.Username == "" || opts.Credentials.Password == "" {
		return nil, fmt.Errorf("portal credentials are required")
	}
	if opts.LocationCode == "" {
		opts.LocationCode = "DJUL"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 12
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second * 30
	}
	if opts.Clock == nil {
		opts.Clock = timezone.Now
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseUrl)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	client.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	client.SetHeader("accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	client.SetHeader("accept-language", "ko-KR,ko;q=0.9,en-US;q=0.8,en;q=0.7")
	client.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(baseUrl.Hostname()))
	client.SetTimeout(opts.Timeout)

	restyutil.InstrumentClient(client, tracer, opts.DebugOutput)

	return &Client{
		baseUrl:     baseUrl,
		http:        client,
		creds:       opts.Credentials,
		location:    opts.LocationCode,
		concurrency: opts.Concurrency,
		now:         opts.Clock,
	}, nil
}

// Close tears the session down. The client cannot be reused afterwards.
func (c *Client) Close() {
	c.closed.Store(true)
}

// Request performs one authenticated call through the session's cookie
// jar. It never retries; retry policy belongs to callers. Transport
// failures come back wrapped in ErrRequestTimeout/ErrConnectionFailed,
// HTTP-level responses are returned as-is.
func (c *Client) Request(ctx context.Context, method, path, body string, headers map[string]string) (*resty.Response, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	req := c.http.R().SetContext(ctx)
	for k, v := range headers {
		req.SetHeader(k, v)
	}
	if body != "" {
		req.SetHeader("content-type", formContentType)
		req.SetBody(body)
	}

	res, err := req.Execute(method, path)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	return res, nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrRequestTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
}

// finalUrl is the URL the request actually landed on after redirects.
// redirect-to-login is the portal's universal "session invalid" signal.
func finalUrl(res *resty.Response) string {
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		return res.RawResponse.Request.URL.String()
	}
	return res.Request.URL
}

func landedOnLogin(res *resty.Response) bool {
	return strings.Contains(finalUrl(res), loginPagePath)
}

type formField struct {
	key   string
	value string
}

// encodeForm encodes fields preserving both their order and duplicate
// keys. url.Values cannot express either, and the portal's login form
// submits the same field name several times across its member-type
// branches, with the last occurrence winning server-side.
func encodeForm(fields []formField) string {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(f.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(f.value))
	}
	return b.String()
}

// loginForm mirrors the portal's login form field-for-field in source
// order: the portal-member branch, the blank outsider branch, then the
// legacy combined fields.
func loginForm(location string, creds Credentials) []formField {
	return []formField{
		{"home_login_mloc_code", location},
		{"home_login_id_login01", creds.Username},
		{"home_login_password_login01", creds.Password},
		{"login_type", "portal_member"},
		{"home_login_mloc_code", location},
		{"home_login_id_login02", ""},
		{"home_login_password_login02", ""},
		{"login_type", "outsider_member"},
		{"home_login_id_save_yn", "N"},
		{"home_login_id", creds.Username},
		{"home_login_password", creds.Password},
		{"login_type", ""},
	}
}

// Login establishes a fresh authenticated session. Safe to call
// concurrently; only one login runs at a time.
func (c *Client) Login(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "client:Login")
	defer span.End()

	c.state = stateAnonymous

	// visiting the login page first picks up the pre-auth cookies the
	// submit endpoint insists on
	_, err := c.Request(ctx, resty.MethodGet, loginPagePath, "", nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch login page")
		return fmt.Errorf("%w: %v", ErrPortalUnreachable, err)
	}

	res, err := c.Request(
		ctx,
		resty.MethodPost,
		loginSubmitPath,
		encodeForm(loginForm(c.location, c.creds)),
		map[string]string{
			"referer": c.baseUrl.JoinPath(loginPagePath).String(),
		},
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to submit login form")
		return fmt.Errorf("%w: %v", ErrPortalUnreachable, err)
	}

	authenticated := strings.Contains(res.String(), logoutMarker)
	if !authenticated {
		if landedOnLogin(res) {
			span.SetStatus(codes.Error, "still on login page after submit")
			return ErrInvalidCredentials
		}

		// the login response is not a reliable signal by itself (the
		// portal happily returns 200 with stale cached content), so
		// probe an authenticated-only page as a second check
		probe, err := c.Request(ctx, resty.MethodGet, roomListPath, "", nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to probe session")
			return fmt.Errorf("%w: %v", ErrPortalUnreachable, err)
		}
		if landedOnLogin(probe) {
			span.SetStatus(codes.Error, "probe redirected to login page")
			return ErrInvalidCredentials
		}
	}

	c.state = stateAuthenticated
	c.lastRenewed = c.now()
	return nil
}

// EnsureValid makes sure the session can survive an imminent crawl:
// logs in if anonymous, proactively renews when the session is close
// to the portal's idle expiry, and transparently re-logs-in when the
// keepalive lands back on the login page. Concurrent callers share a
// single renewal.
func (c *Client) EnsureValid(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, span := tracer.Start(ctx, "client:EnsureValid")
	defer span.End()

	if c.state != stateAuthenticated {
		return c.loginLocked(ctx)
	}
	if c.now().Sub(c.lastRenewed) < renewalThreshold {
		return nil
	}

	res, err := c.Request(ctx, resty.MethodGet, roomListPath, "", nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "keepalive request failed")
		return fmt.Errorf("%w: %v", ErrPortalUnreachable, err)
	}
	if landedOnLogin(res) {
		span.AddEvent("session expired, re-logging in")
		return c.loginLocked(ctx)
	}

	c.lastRenewed = c.now()
	return nil
}

// Invalidate marks the session anonymous so the next EnsureValid
// performs a full login. Called by the orchestrator after a crawl in
// which requests started landing on the login page; repairing between
// crawls avoids racing the shared jar mid-batch.
func (c *Client) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = stateAnonymous
}
