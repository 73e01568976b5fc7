// Package gsa implements Apple's Grand Slam Authentication (GSA) login: the
// SRP-6a exchange, the two-factor challenge and the Xcode app token request.
package gsa

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/go-plist"
	"github.com/blacktop/sideload/internal/errs"
	"github.com/blacktop/sideload/internal/transport"
	"github.com/blacktop/sideload/pkg/anisette"
)

const (
	DefaultURL           = "https://gsa.apple.com"
	DefaultPromptTimeout = 120 * time.Second

	lookupPath         = "/grandslam/GsService2/lookup"
	validatePath       = "/grandslam/GsService2/validate"
	trustedDevicePath  = "/auth/verify/trusteddevice"
	phonePath          = "/auth/verify/phone/"
	phoneSecurityPath  = "/auth/verify/phone/securitycode"
	protocolVersion    = "1.0.1"
	xcodeVersion       = "14.2 (14C18)"
	xcodeAppID         = "com.apple.gs.xcode.auth"
	xcodeUserAgent     = "Xcode"
	plistContentType   = "text/x-xml-plist"
	secondaryAuthType  = "secondaryAuth"
	trustedDeviceAuth  = "trustedDeviceSecondaryAuth"
	defaultSMSPhoneID  = 1
	defaultAppTokenTTL = 24 * time.Hour
)

// IdentitySource produces fresh anisette values for every request
type IdentitySource interface {
	Identity(ctx context.Context) (*anisette.Identity, error)
}

// CredentialPrompt asks the user for an Apple ID and password
type CredentialPrompt interface {
	AskCredentials(ctx context.Context) (appleID, password string, err error)
}

// TFAPrompt asks the user for a two-factor verification code
type TFAPrompt interface {
	AskCode(ctx context.Context) (string, error)
}

// Config is the GSA client configuration
type Config struct {
	// URL is the GSA host (https://gsa.apple.com)
	URL string
	// PromptTimeout bounds each credential and 2FA prompt
	PromptTimeout time.Duration

	Proxy    string
	Insecure bool
}

func (c *Config) defaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	c.URL = strings.TrimSuffix(c.URL, "/")
	if c.PromptTimeout == 0 {
		c.PromptTimeout = DefaultPromptTimeout
	}
}

// Client talks to the Grand Slam service
type Client struct {
	conf     *Config
	anisette IdentitySource
	http     *http.Client
	now      func() time.Time
}

// NewClient creates a new GSA client
func NewClient(conf *Config, ani IdentitySource) *Client {
	conf.defaults()
	return &Client{
		conf:     conf,
		anisette: ani,
		http:     transport.NewClient(&transport.Config{Proxy: conf.Proxy, Insecure: conf.Insecure}),
		now:      time.Now,
	}
}

// LookupURL returns the URL bag location
func (c *Client) LookupURL() string {
	return c.conf.URL + lookupPath
}

func setAppHeaders(h http.Header, ident *anisette.Identity) {
	ident.SetHeaders(h)
	h.Set("User-Agent", xcodeUserAgent)
	h.Set("X-Xcode-Version", xcodeVersion)
	h.Set("X-Apple-App-Info", xcodeAppID)
}

type envelope[T any] struct {
	Response T `plist:"Response"`
}

// post sends {Header:{Version}, Request:req} to a gsService endpoint and
// decodes the "Response" dictionary
func post[T any](ctx context.Context, c *Client, u string, ident *anisette.Identity, req map[string]any) (*T, error) {
	buf := new(bytes.Buffer)
	if err := plist.NewEncoderForFormat(buf, plist.XMLFormat).Encode(map[string]any{
		"Header":  map[string]any{"Version": protocolVersion},
		"Request": req,
	}); err != nil {
		return nil, fmt.Errorf("failed to encode GSA request: %v", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create http POST request: %v", err)
	}
	setAppHeaders(hreq.Header, ident)
	hreq.Header.Set("Content-Type", plistContentType)
	hreq.Header.Set("Accept", "*/*")

	data, err := c.do(hreq)
	if err != nil {
		return nil, err
	}

	var resp envelope[T]
	if err := plist.NewDecoder(bytes.NewReader(data)).Decode(&resp); err != nil {
		return nil, &errs.ParseError{What: "GSA response", Err: err}
	}
	return &resp.Response, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &errs.NetworkError{Op: req.Method, URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.NetworkError{Op: req.Method, URL: req.URL.String(), Err: err}
	}
	log.Debugf("%s %s: (%d)", req.Method, req.URL, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &errs.NetworkError{Op: req.Method, URL: req.URL.String(), Status: resp.StatusCode}
	}
	return data, nil
}
