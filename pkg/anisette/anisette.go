// Package anisette emulates the per-device "anisette" trust headers Apple's
// servers require on every authenticated request.
//
// The device secret (adi_pb) is manufactured once through a provisioning
// session with an anisette server and persisted in the secret store together
// with the random seed the device identity is derived from.
package anisette

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/sideload/internal/errs"
	"github.com/blacktop/sideload/internal/secret"
	"github.com/blacktop/sideload/internal/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

const (
	DefaultServerURL = "https://ani.sidestore.io"
	DefaultLookupURL = "https://gsa.apple.com/grandslam/GsService2/lookup"
	DefaultService   = "sideload"
	DefaultLocale    = "en_US"

	keyIdentifier = "identifier"
	keyAdiPb      = "adi_pb"

	defaultRoutingInfo = 17106176
	serialNumber       = "0"
	clientTimeFormat   = "2006-01-02T15:04:05Z"
)

// Config is the anisette provider configuration
type Config struct {
	// ServerURL is the anisette v3 server
	ServerURL string
	// LookupURL is the GSA URL bag used to find the provisioning endpoints
	LookupURL string
	// Service is the secret store service holding the seed and adi_pb
	Service string
	Locale  string

	Proxy    string
	Insecure bool
}

func (c *Config) defaults() {
	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	c.ServerURL = strings.TrimSuffix(c.ServerURL, "/")
	if c.LookupURL == "" {
		c.LookupURL = DefaultLookupURL
	}
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Locale == "" {
		c.Locale = DefaultLocale
	}
}

// Identity is one set of anisette values. The OTP and machine id are fresh on
// every call; the device identifier and local user id derive from the persisted seed.
type Identity struct {
	DeviceIdentifier string
	MachineID        string
	OneTimePassword  string
	RoutingInfo      uint64
	LocalUserID      string
	SerialNumber     string
	Description      string
	UserAgent        string
	Timestamp        time.Time
	Locale           string
	TimeZone         string
}

// SetHeaders applies the standard Apple request header set
func (i *Identity) SetHeaders(h http.Header) {
	h.Set("X-Mme-Client-Info", i.Description)
	h.Set("User-Agent", i.UserAgent)
	h.Set("X-Apple-I-MD-LU", i.LocalUserID)
	h.Set("X-Mme-Device-Id", i.DeviceIdentifier)
	h.Set("X-Apple-I-Client-Time", i.Timestamp.UTC().Format(clientTimeFormat))
	h.Set("X-Apple-Locale", i.Locale)
	h.Set("X-Apple-I-TimeZone", i.TimeZone)
	if i.MachineID != "" {
		h.Set("X-Apple-I-MD-M", i.MachineID)
		h.Set("X-Apple-I-MD", i.OneTimePassword)
		h.Set("X-Apple-I-MD-RINFO", strconv.FormatUint(i.RoutingInfo, 10))
		h.Set("X-Apple-I-SRL-NO", i.SerialNumber)
	}
}

// ClientProvidedData returns the "cpd" dictionary sent with GSA requests
func (i *Identity) ClientProvidedData() map[string]any {
	return map[string]any{
		"X-Apple-I-Client-Time": i.Timestamp.UTC().Format(clientTimeFormat),
		"X-Apple-I-MD":          i.OneTimePassword,
		"X-Apple-I-MD-LU":       i.LocalUserID,
		"X-Apple-I-MD-M":        i.MachineID,
		"X-Apple-I-MD-RINFO":    strconv.FormatUint(i.RoutingInfo, 10),
		"X-Apple-I-SRL-NO":      i.SerialNumber,
		"X-Apple-I-TimeZone":    i.TimeZone,
		"X-Apple-Locale":        i.Locale,
		"X-Mme-Device-Id":       i.DeviceIdentifier,
		"bootstrap":             true,
		"icscrec":               true,
		"loc":                   i.Locale,
		"pbe":                   false,
		"prkgen":                true,
		"svct":                  "iCloud",
	}
}

type clientInfo struct {
	ClientInfo string `json:"client_info"`
	UserAgent  string `json:"user_agent"`
}

// Provider produces anisette identities
type Provider struct {
	conf   *Config
	store  secret.Store
	http   *http.Client
	dialer *websocket.Dialer
	info   *lru.Cache[string, *clientInfo]
	now    func() time.Time
}

// NewProvider creates a new anisette provider backed by store
func NewProvider(conf *Config, store secret.Store) (*Provider, error) {
	conf.defaults()
	info, err := lru.New[string, *clientInfo](8)
	if err != nil {
		return nil, err
	}
	tc := &transport.Config{Proxy: conf.Proxy, Insecure: conf.Insecure}
	tr := transport.NewTransport(tc)
	return &Provider{
		conf:  conf,
		store: store,
		http:  transport.NewClient(tc),
		dialer: &websocket.Dialer{
			Proxy:            tr.Proxy,
			TLSClientConfig:  tr.TLSClientConfig,
			HandshakeTimeout: 45 * time.Second,
		},
		info: info,
		now:  time.Now,
	}, nil
}

// Identity returns a fresh set of anisette values, provisioning the device
// first if no adi_pb has been stored yet.
func (p *Provider) Identity(ctx context.Context) (*Identity, error) {
	info, err := p.clientInfo(ctx)
	if err != nil {
		return nil, err
	}

	identifier, seed, err := p.seed()
	if err != nil {
		return nil, err
	}

	ident := p.baseIdentity(info, seed)

	adiPb, err := p.store.Get(p.conf.Service, keyAdiPb)
	if errors.Is(err, secret.ErrNotFound) {
		log.Info("Provisioning anisette device")
		if adiPb, err = p.provision(ctx, ident, identifier); err != nil {
			return nil, errors.Wrap(err, "failed to provision anisette device")
		}
		if err := p.store.Set(p.conf.Service, keyAdiPb, adiPb); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	headers, err := p.getHeaders(ctx, identifier, adiPb)
	if err != nil {
		return nil, err
	}

	ident.MachineID = headers["X-Apple-I-MD-M"]
	ident.OneTimePassword = headers["X-Apple-I-MD"]
	ident.RoutingInfo = defaultRoutingInfo
	if rinfo, ok := headers["X-Apple-I-MD-RINFO"]; ok && rinfo != "" {
		if ident.RoutingInfo, err = strconv.ParseUint(rinfo, 10, 64); err != nil {
			return nil, &errs.ParseError{What: "X-Apple-I-MD-RINFO", Err: err}
		}
	}
	if ident.MachineID == "" || ident.OneTimePassword == "" {
		return nil, errs.Missing("anisette headers", "X-Apple-I-MD")
	}

	return ident, nil
}

// Reset forgets the device seed and provisioning secret
func (p *Provider) Reset() error {
	if err := p.store.Delete(p.conf.Service, keyAdiPb); err != nil {
		return err
	}
	return p.store.Delete(p.conf.Service, keyIdentifier)
}

func (p *Provider) baseIdentity(info *clientInfo, seed []byte) *Identity {
	now := p.now()
	tz, _ := now.Zone()
	lu := sha256.Sum256(seed)
	return &Identity{
		DeviceIdentifier: strings.ToUpper(uuid.UUID(seed).String()),
		LocalUserID:      hex.EncodeToString(lu[:]),
		SerialNumber:     serialNumber,
		Description:      info.ClientInfo,
		UserAgent:        info.UserAgent,
		Timestamp:        now,
		Locale:           p.conf.Locale,
		TimeZone:         tz,
	}
}

// seed returns the persisted identifier (base64) and its decoded 16 bytes
func (p *Provider) seed() (string, []byte, error) {
	identifier, err := p.store.Get(p.conf.Service, keyIdentifier)
	if errors.Is(err, secret.ErrNotFound) {
		raw := make([]byte, 16)
		if _, err := rand.Read(raw); err != nil {
			return "", nil, errors.Wrap(err, "failed to generate anisette identifier")
		}
		identifier = base64.StdEncoding.EncodeToString(raw)
		if err := p.store.Set(p.conf.Service, keyIdentifier, identifier); err != nil {
			return "", nil, err
		}
		log.Debug("Generated new anisette identifier")
		return identifier, raw, nil
	} else if err != nil {
		return "", nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(identifier)
	if err != nil {
		return "", nil, &errs.ParseError{What: "anisette identifier", Err: err}
	}
	if len(raw) != 16 {
		return "", nil, &errs.ParseError{What: "anisette identifier", Err: fmt.Errorf("expected 16 bytes, got %d", len(raw))}
	}
	return identifier, raw, nil
}

func (p *Provider) clientInfo(ctx context.Context) (*clientInfo, error) {
	if info, ok := p.info.Get(p.conf.ServerURL); ok {
		return info, nil
	}

	u := p.conf.ServerURL + "/v3/client_info"
	var info clientInfo
	if err := p.getJSON(ctx, http.MethodGet, u, nil, &info); err != nil {
		return nil, err
	}
	if info.ClientInfo == "" {
		return nil, errs.Missing("client info", "client_info")
	}
	if info.UserAgent == "" {
		return nil, errs.Missing("client info", "user_agent")
	}

	p.info.Add(p.conf.ServerURL, &info)
	return &info, nil
}

type getHeadersRequest struct {
	Identifier string `json:"identifier"`
	AdiPb      string `json:"adi_pb"`
}

func (p *Provider) getHeaders(ctx context.Context, identifier, adiPb string) (map[string]string, error) {
	var resp map[string]any
	if err := p.getJSON(ctx, http.MethodPost, p.conf.ServerURL+"/v3/get_headers", &getHeadersRequest{
		Identifier: identifier,
		AdiPb:      adiPb,
	}, &resp); err != nil {
		return nil, err
	}

	if result, _ := resp["result"].(string); result == "GetHeadersError" {
		msg, _ := resp["message"].(string)
		if msg == "" {
			msg = "Unknown error"
		}
		return nil, fmt.Errorf("GetHeadersError: %s", msg)
	}

	headers := make(map[string]string, len(resp))
	for k, v := range resp {
		switch v := v.(type) {
		case string:
			headers[k] = v
		case float64:
			headers[k] = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return headers, nil
}

func (p *Provider) getJSON(ctx context.Context, method, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("failed to create http request: %v", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return &errs.NetworkError{Op: method, URL: u, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &errs.NetworkError{Op: method, URL: u, Err: err}
	}
	log.Debugf("%s %s: (%d)", method, u, resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		return &errs.NetworkError{Op: method, URL: u, Status: resp.StatusCode}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &errs.ParseError{What: u, Err: err}
	}
	return nil
}
