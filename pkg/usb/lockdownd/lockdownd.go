// Package lockdownd opens lockdown sessions and starts device services.
package lockdownd

import (
	"fmt"

	"github.com/blacktop/sideload/pkg/usb"
)

const lockdownPort = 62078

// Client is a lockdown session
type Client struct {
	*usb.Client
	sessionID string
}

type startSessionRequest struct {
	Label           string
	ProtocolVersion string
	Request         string
	HostID          string
	SystemBUID      string
}

type response struct {
	Request          string
	Result           string
	Error            string
	EnableSessionSSL bool
	SessionID        string
	Port             int
	EnableServiceSSL bool
	Value            any
}

func (r *response) err() error {
	if r.Error != "" {
		return fmt.Errorf("lockdownd %s failed: %s", r.Request, r.Error)
	}
	return nil
}

// NewClient starts a lockdown session with the device
func NewClient(udid string) (*Client, error) {
	cli, err := usb.NewClient(udid, lockdownPort)
	if err != nil {
		return nil, err
	}
	lc, err := startSession(cli)
	if err != nil {
		cli.Close()
		return nil, err
	}
	return lc, nil
}

func startSession(cli *usb.Client) (*Client, error) {
	req := &startSessionRequest{
		Label:           usb.BundleID,
		ProtocolVersion: "2",
		Request:         "StartSession",
		HostID:          cli.PairRecord().HostID,
		SystemBUID:      cli.PairRecord().SystemBUID,
	}
	var resp response
	if err := cli.Request(req, &resp); err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	if resp.EnableSessionSSL {
		if err := cli.EnableSSL(); err != nil {
			return nil, fmt.Errorf("failed to enable SSL for lockdown session: %v", err)
		}
	}
	return &Client{Client: cli, sessionID: resp.SessionID}, nil
}

// NewClientForService starts serviceName and returns a client tunnelled to it
func NewClientForService(serviceName, udid string) (*usb.Client, error) {
	lc, err := NewClient(udid)
	if err != nil {
		return nil, fmt.Errorf("failed to create lockdownd client for service %s: %v", serviceName, err)
	}
	defer lc.Close()

	port, ssl, err := lc.StartService(serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to start service %s: %v", serviceName, err)
	}

	cli, err := usb.NewClient(udid, port)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to service %s on port %d: %v", serviceName, port, err)
	}
	if ssl {
		if err := cli.EnableSSL(); err != nil {
			cli.Close()
			return nil, fmt.Errorf("failed to enable SSL for service %s: %v", serviceName, err)
		}
	}
	return cli, nil
}

// StartService returns the port the service listens on and whether it wants SSL
func (lc *Client) StartService(service string) (int, bool, error) {
	req := map[string]any{
		"Label":   usb.BundleID,
		"Request": "StartService",
		"Service": service,
	}
	var resp response
	if err := lc.Request(req, &resp); err != nil {
		return 0, false, err
	}
	if err := resp.err(); err != nil {
		return 0, false, err
	}
	return resp.Port, resp.EnableServiceSSL, nil
}

// GetValue reads a lockdown value; an empty domain is the global one
func (lc *Client) GetValue(domain, key string) (any, error) {
	req := map[string]any{
		"Label":   usb.BundleID,
		"Request": "GetValue",
	}
	if domain != "" {
		req["Domain"] = domain
	}
	if key != "" {
		req["Key"] = key
	}
	var resp response
	if err := lc.Request(req, &resp); err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// DeviceName returns the user assigned device name
func (lc *Client) DeviceName() (string, error) {
	v, err := lc.GetValue("", "DeviceName")
	if err != nil {
		return "", err
	}
	name, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("unexpected DeviceName value %T", v)
	}
	return name, nil
}

// DeviceName opens a short session to read udid's device name
func DeviceName(udid string) (string, error) {
	lc, err := NewClient(udid)
	if err != nil {
		return "", err
	}
	defer lc.Close()
	return lc.DeviceName()
}

func (lc *Client) Close() error {
	if lc.sessionID != "" {
		_ = lc.Send(map[string]any{"Label": usb.BundleID, "Request": "StopSession", "SessionID": lc.sessionID})
	}
	return lc.Client.Close()
}
