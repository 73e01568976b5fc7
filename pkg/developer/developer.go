// Package developer is a client for Xcode's Developer Services plist RPC API
// (developerservices2.apple.com).
package developer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-plist"
	"github.com/blacktop/sideload/internal/errs"
	"github.com/blacktop/sideload/internal/transport"
	"github.com/blacktop/sideload/pkg/anisette"
	"github.com/blacktop/sideload/pkg/gsa"
	"github.com/google/uuid"
)

const (
	DefaultURL    = "https://developerservices2.apple.com/services/QH65B2"
	DefaultLocale = "en_US"

	clientID        = "XABBG36SBA"
	protocolVersion = "QH65B2"
	xcodeVersion    = "14.2 (14C18)"
	xcodeAppID      = "com.apple.gs.xcode.auth"
	contentType     = "text/x-xml-plist"

	// SessionExpired is the resultCode Apple returns for a stale app token
	SessionExpired = 1100
)

// Platform scopes a call to a device family
type Platform int

const (
	IOS Platform = iota
	TVOS
	WatchOS
	Any
)

func (p Platform) String() string {
	switch p {
	case IOS:
		return "ios"
	case TVOS:
		return "tvos"
	case WatchOS:
		return "watchos"
	default:
		return "any"
	}
}

// segment is the URL path segment for the platform
func (p Platform) segment() string {
	if p == Any {
		return ""
	}
	return p.String() + "/"
}

// ParsePlatform parses a platform name (ios, tvos, watchos, any)
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(s) {
	case "", "ios":
		return IOS, nil
	case "tvos":
		return TVOS, nil
	case "watchos":
		return WatchOS, nil
	case "any":
		return Any, nil
	default:
		return IOS, fmt.Errorf("unknown platform %q (expected ios, tvos, watchos or any)", s)
	}
}

// ResultError is a non-zero resultCode
type ResultError struct {
	Code    int
	Message string
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("developer services error %d: %s", e.Code, e.Message)
}

// Authenticator provides the login session the API authenticates with
type Authenticator interface {
	Session(ctx context.Context) (*gsa.Session, error)
	Invalidate(s *gsa.Session)
}

// IdentitySource produces fresh anisette values for every request
type IdentitySource interface {
	Identity(ctx context.Context) (*anisette.Identity, error)
}

// Config is the Developer Services client configuration
type Config struct {
	URL    string
	Locale string

	Proxy    string
	Insecure bool
}

func (c *Config) defaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	c.URL = strings.TrimSuffix(c.URL, "/")
	if c.Locale == "" {
		c.Locale = DefaultLocale
	}
}

// Client is a Developer Services client
type Client struct {
	conf     *Config
	auth     Authenticator
	anisette IdentitySource
	http     *http.Client
}

// NewClient creates a new Developer Services client
func NewClient(conf *Config, auth Authenticator, ani IdentitySource) *Client {
	conf.defaults()
	return &Client{
		conf:     conf,
		auth:     auth,
		anisette: ani,
		http:     transport.NewClient(&transport.Config{Proxy: conf.Proxy, Insecure: conf.Insecure}),
	}
}

type result struct {
	ResultCode   int    `plist:"resultCode"`
	UserString   string `plist:"userString"`
	ResultString string `plist:"resultString"`
}

func (r *result) err() error {
	if r.ResultCode == 0 {
		return nil
	}
	msg := r.UserString
	if msg == "" {
		msg = r.ResultString
	}
	return &ResultError{Code: r.ResultCode, Message: msg}
}

// send posts one request and decodes the response into T. A session expired
// result logs in again and retries the call once.
func send[T any](ctx context.Context, c *Client, platform Platform, endpoint string, fields map[string]any) (*T, error) {
	for attempt := 0; ; attempt++ {
		s, err := c.auth.Session(ctx)
		if err != nil {
			return nil, err
		}
		out, err := sendOnce[T](ctx, c, s, platform, endpoint, fields)
		var rerr *ResultError
		if attempt == 0 && errors.As(err, &rerr) && rerr.Code == SessionExpired {
			log.WithField("endpoint", endpoint).Warn("Session expired, logging in again")
			c.auth.Invalidate(s)
			continue
		}
		return out, err
	}
}

func sendOnce[T any](ctx context.Context, c *Client, s *gsa.Session, platform Platform, endpoint string, fields map[string]any) (*T, error) {
	body := map[string]any{
		"clientId":        clientID,
		"protocolVersion": protocolVersion,
		"requestId":       strings.ToUpper(uuid.NewString()),
		"userLocale":      []string{c.conf.Locale},
	}
	for k, v := range fields {
		body[k] = v
	}

	buf := new(bytes.Buffer)
	if err := plist.NewEncoderForFormat(buf, plist.XMLFormat).Encode(body); err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %v", endpoint, err)
	}

	u := fmt.Sprintf("%s/%s%s.action?clientId=%s", c.conf.URL, platform.segment(), endpoint, clientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create http POST request: %v", err)
	}

	ident, err := c.anisette.Identity(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get anisette data: %w", err)
	}
	ident.SetHeaders(req.Header)
	adsid, token := s.SessionToken()
	req.Header.Set("X-Apple-I-Identity-Id", adsid)
	req.Header.Set("X-Apple-GS-Token", token)
	req.Header.Set("X-Xcode-Version", xcodeVersion)
	req.Header.Set("X-Apple-App-Info", xcodeAppID)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)
	req.Header.Set("Accept-Language", "en-us")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &errs.NetworkError{Op: http.MethodPost, URL: u, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.NetworkError{Op: http.MethodPost, URL: u, Err: err}
	}
	log.Debugf("POST %s: (%d)", u, resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		return nil, &errs.NetworkError{Op: http.MethodPost, URL: u, Status: resp.StatusCode}
	}

	var res result
	if err := plist.NewDecoder(bytes.NewReader(data)).Decode(&res); err != nil {
		return nil, &errs.ParseError{What: endpoint + " response", Err: err}
	}
	if err := res.err(); err != nil {
		return nil, err
	}

	out := new(T)
	if err := plist.NewDecoder(bytes.NewReader(data)).Decode(out); err != nil {
		return nil, &errs.ParseError{What: endpoint + " response", Err: err}
	}
	return out, nil
}

type empty struct{}
