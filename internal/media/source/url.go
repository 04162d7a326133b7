package source

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/media/internal/media"
	"github.com/babelcloud/gbox/packages/media/internal/util"
)

const defaultUserAgent = "gmedia"

// URL is an HTTP(S) source. The response body is spooled so the MP4 box
// walker can seek within what has been downloaded.
type URL struct {
	url       string
	client    *http.Client
	userAgent string
	header    http.Header
}

// URLOption configures a URL source.
type URLOption func(*URL)

// WithTimeout bounds the whole request, body included. Zero disables it.
func WithTimeout(d time.Duration) URLOption {
	return func(u *URL) { u.client.Timeout = d }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) URLOption {
	return func(u *URL) {
		if ua != "" {
			u.userAgent = ua
		}
	}
}

// WithHeader adds a request header.
func WithHeader(key, value string) URLOption {
	return func(u *URL) { u.header.Add(key, value) }
}

// WithHTTPClient replaces the client. Timeout options apply to it.
func WithHTTPClient(c *http.Client) URLOption {
	return func(u *URL) {
		if c != nil {
			u.client = c
		}
	}
}

// NewURL creates a URL source.
func NewURL(url string, opts ...URLOption) *URL {
	u := &URL{
		url:       url,
		client:    &http.Client{},
		userAgent: defaultUserAgent,
		header:    http.Header{},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *URL) String() string { return u.url }

// Open issues the GET request. Responses whose Content-Type is clearly not
// media fail with media.ErrUnsupportedMediaType.
func (u *URL) Open(ctx context.Context) (Reader, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create request for %s", u.url)
	}
	for k, vs := range u.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", u.userAgent)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch %s", u.url)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetching %s returned status: %d", u.url, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !isMediaContentType(ct) {
		resp.Body.Close()
		return nil, errors.Wrapf(media.ErrUnsupportedMediaType, "content type %q", ct)
	}

	util.GetLogger().Debug("Opened URL source", "url", u.url,
		"contentType", resp.Header.Get("Content-Type"), "contentLength", resp.ContentLength)
	return NewSpool(resp.Body), nil
}

func isMediaContentType(ct string) bool {
	if ct == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return true
	}
	switch {
	case strings.HasPrefix(mt, "video/"), strings.HasPrefix(mt, "audio/"):
		return true
	case strings.HasPrefix(mt, "text/"), mt == "application/json", mt == "application/xml":
		return false
	default:
		return true
	}
}

func hasHTTPScheme(s string) bool {
	l := strings.ToLower(s)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}
