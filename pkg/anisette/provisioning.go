package anisette

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-plist"
	"github.com/blacktop/sideload/internal/errs"
	"github.com/pkg/errors"
)

// ProvisioningStep is a server pushed message of the provisioning session
type ProvisioningStep interface {
	isProvisioningStep()
}

type (
	// GiveIdentifier asks for the device identifier
	GiveIdentifier struct{}
	// GiveStartProvisioningData asks for Apple's start provisioning blob (spim)
	GiveStartProvisioningData struct{}
	// GiveEndProvisioningData hands over the cpim blob to forward to Apple
	GiveEndProvisioningData struct{ Cpim string }
	// ProvisioningSuccess is terminal and carries the device secret
	ProvisioningSuccess struct{ AdiPb string }
	// ProvisioningTimeout is terminal
	ProvisioningTimeout struct{}
	// UnknownStep is any result the client does not understand
	UnknownStep struct{ Result string }
)

func (GiveIdentifier) isProvisioningStep()            {}
func (GiveStartProvisioningData) isProvisioningStep() {}
func (GiveEndProvisioningData) isProvisioningStep()   {}
func (ProvisioningSuccess) isProvisioningStep()       {}
func (ProvisioningTimeout) isProvisioningStep()       {}
func (UnknownStep) isProvisioningStep()               {}

// ProvisioningError is a failed provisioning session
type ProvisioningError struct {
	Step    string
	Message string
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("anisette provisioning failed at %s: %s", e.Step, e.Message)
}

type stepMessage struct {
	Result string `json:"result"`
	Cpim   string `json:"cpim,omitempty"`
	AdiPb  string `json:"adi_pb,omitempty"`
}

// ParseProvisioningStep decodes one provisioning session message
func ParseProvisioningStep(data []byte) (ProvisioningStep, error) {
	var msg stepMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &errs.ParseError{What: "provisioning message", Err: err}
	}
	switch msg.Result {
	case "GiveIdentifier":
		return GiveIdentifier{}, nil
	case "GiveStartProvisioningData":
		return GiveStartProvisioningData{}, nil
	case "GiveEndProvisioningData":
		if msg.Cpim == "" {
			return nil, errs.Missing("provisioning message", "cpim")
		}
		return GiveEndProvisioningData{Cpim: msg.Cpim}, nil
	case "ProvisioningSuccess":
		if msg.AdiPb == "" {
			return nil, errs.Missing("provisioning message", "adi_pb")
		}
		return ProvisioningSuccess{AdiPb: msg.AdiPb}, nil
	case "Timeout":
		return ProvisioningTimeout{}, nil
	default:
		return UnknownStep{Result: msg.Result}, nil
	}
}

func websocketURL(server string) string {
	switch {
	case strings.HasPrefix(server, "https://"):
		return "wss://" + strings.TrimPrefix(server, "https://")
	case strings.HasPrefix(server, "http://"):
		return "ws://" + strings.TrimPrefix(server, "http://")
	default:
		return server
	}
}

// provision runs one provisioning session and returns the adi_pb
func (p *Provider) provision(ctx context.Context, ident *Identity, identifier string) (string, error) {
	urls, err := FetchURLBag(ctx, p.http, p.conf.LookupURL, ident)
	if err != nil {
		return "", err
	}
	startURL, ok := urls["midStartProvisioning"]
	if !ok {
		return "", errs.Missing("url bag", "midStartProvisioning")
	}
	endURL, ok := urls["midFinishProvisioning"]
	if !ok {
		return "", errs.Missing("url bag", "midFinishProvisioning")
	}

	wsURL := websocketURL(p.conf.ServerURL) + "/v3/provisioning_session"
	conn, _, err := p.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return "", &errs.NetworkError{Op: "DIAL", URL: wsURL, Err: err}
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", &errs.NetworkError{Op: "READ", URL: wsURL, Err: err}
		}

		step, err := ParseProvisioningStep(data)
		if err != nil {
			return "", err
		}

		switch s := step.(type) {
		case GiveIdentifier:
			log.Debug("anisette: sending identifier")
			err = conn.WriteJSON(map[string]string{"identifier": identifier})
		case GiveStartProvisioningData:
			log.Debug("anisette: starting provisioning")
			var spim string
			if spim, err = p.startProvisioning(ctx, startURL, ident); err != nil {
				return "", err
			}
			err = conn.WriteJSON(map[string]string{"spim": spim})
		case GiveEndProvisioningData:
			log.Debug("anisette: finishing provisioning")
			var ptm, tk string
			if ptm, tk, err = p.endProvisioning(ctx, endURL, ident, s.Cpim); err != nil {
				return "", err
			}
			err = conn.WriteJSON(map[string]string{"ptm": ptm, "tk": tk})
		case ProvisioningSuccess:
			log.Debug("anisette: provisioning succeeded")
			return s.AdiPb, nil
		case ProvisioningTimeout:
			return "", &ProvisioningError{Step: "Timeout", Message: "provisioning session timed out"}
		case UnknownStep:
			return "", &ProvisioningError{Step: s.Result, Message: "unknown provisioning step"}
		}
		if err != nil {
			return "", &errs.NetworkError{Op: "WRITE", URL: wsURL, Err: err}
		}
	}
}

type provisioningEnvelope struct {
	Header  map[string]any `plist:"Header"`
	Request map[string]any `plist:"Request"`
}

type startResponse struct {
	Response struct {
		Spim string `plist:"spim"`
	} `plist:"Response"`
}

type endResponse struct {
	Response struct {
		Ptm string `plist:"ptm"`
		Tk  string `plist:"tk"`
	} `plist:"Response"`
}

func (p *Provider) startProvisioning(ctx context.Context, u string, ident *Identity) (string, error) {
	var resp startResponse
	if err := p.postPlist(ctx, u, ident, &provisioningEnvelope{
		Header:  map[string]any{},
		Request: map[string]any{},
	}, &resp); err != nil {
		return "", errors.Wrap(err, "failed to start provisioning")
	}
	if resp.Response.Spim == "" {
		return "", errs.Missing("start provisioning response", "spim")
	}
	return resp.Response.Spim, nil
}

func (p *Provider) endProvisioning(ctx context.Context, u string, ident *Identity, cpim string) (string, string, error) {
	var resp endResponse
	if err := p.postPlist(ctx, u, ident, &provisioningEnvelope{
		Header:  map[string]any{},
		Request: map[string]any{"cpim": cpim},
	}, &resp); err != nil {
		return "", "", errors.Wrap(err, "failed to finish provisioning")
	}
	if resp.Response.Ptm == "" {
		return "", "", errs.Missing("end provisioning response", "ptm")
	}
	if resp.Response.Tk == "" {
		return "", "", errs.Missing("end provisioning response", "tk")
	}
	return resp.Response.Ptm, resp.Response.Tk, nil
}

func (p *Provider) postPlist(ctx context.Context, u string, ident *Identity, in, out any) error {
	buf := new(bytes.Buffer)
	if err := plist.NewEncoderForFormat(buf, plist.XMLFormat).Encode(in); err != nil {
		return fmt.Errorf("failed to encode plist request: %v", err)
	}
	req, err := newAppleRequest(ctx, http.MethodPost, u, buf, ident)
	if err != nil {
		return err
	}
	return doPlist(p.http, req, out)
}

// FetchURLBag returns the GSA "urls" dictionary (gsService, midStartProvisioning, ...)
func FetchURLBag(ctx context.Context, client *http.Client, lookupURL string, ident *Identity) (map[string]string, error) {
	req, err := newAppleRequest(ctx, http.MethodGet, lookupURL, nil, ident)
	if err != nil {
		return nil, err
	}
	var bag struct {
		URLs map[string]string `plist:"urls"`
	}
	if err := doPlist(client, req, &bag); err != nil {
		return nil, errors.Wrap(err, "failed to fetch url bag")
	}
	if len(bag.URLs) == 0 {
		return nil, errs.Missing("url bag", "urls")
	}
	return bag.URLs, nil
}

func newAppleRequest(ctx context.Context, method, u string, body io.Reader, ident *Identity) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %v", err)
	}
	ident.SetHeaders(req.Header)
	req.Header.Set("Content-Type", "text/x-xml-plist")
	req.Header.Set("Accept", "*/*")
	return req, nil
}

func doPlist(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return &errs.NetworkError{Op: req.Method, URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &errs.NetworkError{Op: req.Method, URL: req.URL.String(), Err: err}
	}
	log.Debugf("%s %s: (%d)", req.Method, req.URL, resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		return &errs.NetworkError{Op: req.Method, URL: req.URL.String(), Status: resp.StatusCode}
	}
	if err := plist.NewDecoder(bytes.NewReader(data)).Decode(out); err != nil {
		return &errs.ParseError{What: req.URL.String(), Err: err}
	}
	return nil
}
