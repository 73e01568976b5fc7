package usb

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/blacktop/go-plist"
)

// Client is a tunnel to one lockdown service port. Messages are plists
// prefixed with a big-endian uint32 length.
type Client struct {
	conn    net.Conn
	tlsConn *tls.Conn
	udid    string
	record  *PairRecord
}

// NewClient tunnels to port on the device with udid
func NewClient(udid string, port int) (*Client, error) {
	mux, err := NewMux()
	if err != nil {
		return nil, err
	}

	record, err := mux.ReadPairRecord(udid)
	if err != nil {
		mux.Close()
		return nil, err
	}
	devices, err := mux.ListDevices()
	if err != nil {
		mux.Close()
		return nil, err
	}

	deviceID := -1
	for _, d := range devices {
		if d.UDID == udid {
			deviceID = d.DeviceID
			break
		}
	}
	if deviceID < 0 {
		mux.Close()
		return nil, fmt.Errorf("unable to find device with udid: %v", udid)
	}

	if err := mux.Connect(deviceID, port); err != nil {
		mux.Close()
		return nil, fmt.Errorf("failed to connect to port %d: %w", port, err)
	}

	return &Client{conn: mux, udid: udid, record: record}, nil
}

// NewClientConn wraps an already connected service stream
func NewClientConn(conn net.Conn, udid string, record *PairRecord) *Client {
	return &Client{conn: conn, udid: udid, record: record}
}

// EnableSSL upgrades the stream with the host certificate from the pair record
func (c *Client) EnableSSL() error {
	if c.record == nil {
		return fmt.Errorf("no pair record for %s", c.udid)
	}
	cert, err := tls.X509KeyPair(c.record.HostCertificate, c.record.HostPrivateKey)
	if err != nil {
		return err
	}
	c.tlsConn = tls.Client(c.conn, &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
	})
	return c.tlsConn.Handshake()
}

func (c *Client) Request(req, resp any) error {
	if err := c.Send(req); err != nil {
		return err
	}
	return c.Recv(resp)
}

func (c *Client) Send(req any) error {
	data, err := plist.Marshal(req, plist.XMLFormat)
	if err != nil {
		return err
	}
	if err := binary.Write(c.Conn(), binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err = c.Conn().Write(data)
	return err
}

func (c *Client) Recv(resp any) error {
	var size uint32
	if err := binary.Read(c.Conn(), binary.BigEndian, &size); err != nil {
		return err
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(c.Conn(), data); err != nil {
		return err
	}
	_, err := plist.Unmarshal(data, resp)
	return err
}

func (c *Client) UDID() string { return c.udid }

func (c *Client) PairRecord() *PairRecord { return c.record }

// Conn returns the TLS stream once SSL is enabled, the raw tunnel before
func (c *Client) Conn() net.Conn {
	if c.tlsConn != nil {
		return c.tlsConn
	}
	return c.conn
}

func (c *Client) Close() error {
	return c.Conn().Close()
}
