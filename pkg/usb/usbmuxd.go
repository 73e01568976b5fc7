// Package usb talks to iOS devices through usbmuxd.
package usb

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"syscall"

	"github.com/blacktop/go-plist"
)

const (
	ProgName            = "sideload"
	BundleID            = "io.blacktop.sideload"
	ClientVersionString = "sideload-usbmux-0.0.1"

	libUSBMuxVersion = 3
	plistMessage     = 8
)

type header struct {
	Length      uint32
	Version     uint32
	MessageType uint32
	Tag         uint32
}

var headerSize = uint32(binary.Size(header{}))

// dial opens the usbmuxd socket; replaced in tests
var dial = usbmuxdDial

// Mux is a connection to usbmuxd
type Mux struct {
	net.Conn
	tag uint32
}

// NewMux connects to usbmuxd
func NewMux() (*Mux, error) {
	conn, err := dial()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to usbmuxd: %w", err)
	}
	return &Mux{Conn: conn}, nil
}

// ResultCode is the Number of a usbmuxd Result message
type ResultCode int

const (
	ResultOK ResultCode = iota
	ResultBadCommand
	ResultBadDevice
	ResultConnectionRefused
	_
	_
	ResultBadVersion
)

func (r ResultCode) Error() string {
	switch r {
	case ResultBadCommand:
		return "usbmuxd: bad command"
	case ResultBadDevice:
		return "usbmuxd: bad device"
	case ResultConnectionRefused:
		return "usbmuxd: connection refused"
	case ResultBadVersion:
		return "usbmuxd: bad version"
	default:
		return fmt.Sprintf("usbmuxd: result %d", int(r))
	}
}

type request struct {
	MessageType         string
	ProgName            string
	ClientVersionString string
	BundleID            string `plist:"BundleID,omitempty"`
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion,omitempty"`
	DeviceID            uint32 `plist:"DeviceID,omitempty"`
	PortNumber          uint16 `plist:"PortNumber,omitempty"`
	PairRecordID        string `plist:"PairRecordID,omitempty"`
}

func newRequest(msgType string) *request {
	return &request{
		MessageType:         msgType,
		ProgName:            ProgName,
		ClientVersionString: ClientVersionString,
		BundleID:            BundleID,
		LibUSBMuxVersion:    libUSBMuxVersion,
	}
}

type result struct {
	Number ResultCode
}

// Connect turns the mux connection into a tunnel to port on the device
func (m *Mux) Connect(deviceID, port int) error {
	req := newRequest("Connect")
	req.DeviceID = uint32(deviceID)
	req.PortNumber = swap16(uint16(port))

	var resp result
	if err := m.Request(req, &resp); err != nil {
		return err
	}
	switch resp.Number {
	case ResultOK:
		return nil
	case ResultConnectionRefused:
		return syscall.ECONNREFUSED
	default:
		return resp.Number
	}
}

// Device is an attached device as reported by usbmuxd
type Device struct {
	ConnectionType string
	DeviceID       int
	ProductID      int
	SerialNumber   string
	UDID           string
}

type deviceList struct {
	DeviceList []struct {
		DeviceID   int
		Properties *Device
	}
}

// ListDevices returns the attached devices
func (m *Mux) ListDevices() ([]*Device, error) {
	var resp deviceList
	if err := m.Request(newRequest("ListDevices"), &resp); err != nil {
		return nil, err
	}
	devices := make([]*Device, 0, len(resp.DeviceList))
	for _, d := range resp.DeviceList {
		if d.Properties == nil {
			continue
		}
		if d.Properties.UDID == "" {
			d.Properties.UDID = d.Properties.SerialNumber
		}
		devices = append(devices, d.Properties)
	}
	return devices, nil
}

// PairRecord is the host pairing state usbmuxd keeps per device
type PairRecord struct {
	DeviceCertificate []byte
	HostCertificate   []byte
	HostID            string
	HostPrivateKey    []byte
	RootCertificate   []byte
	SystemBUID        string
	EscrowBag         []byte
}

// ReadPairRecord returns the pair record for udid
func (m *Mux) ReadPairRecord(udid string) (*PairRecord, error) {
	req := newRequest("ReadPairRecord")
	req.PairRecordID = udid

	var resp struct {
		PairRecordData []byte
		Number         *ResultCode
	}
	if err := m.Request(req, &resp); err != nil {
		return nil, err
	}
	if resp.Number != nil && *resp.Number != ResultOK {
		return nil, fmt.Errorf("no pair record for %s (is the device trusted?): %w", udid, *resp.Number)
	}

	var record PairRecord
	if _, err := plist.Unmarshal(resp.PairRecordData, &record); err != nil {
		return nil, fmt.Errorf("failed to parse pair record: %w", err)
	}
	return &record, nil
}

func (m *Mux) Request(req, resp any) error {
	if err := m.Send(req); err != nil {
		return err
	}
	return m.Recv(resp)
}

func (m *Mux) Send(msg any) error {
	data, err := plist.Marshal(msg, plist.XMLFormat)
	if err != nil {
		return err
	}
	hdr := header{
		Length:      uint32(len(data)) + headerSize,
		Version:     1,
		MessageType: plistMessage,
		Tag:         atomic.AddUint32(&m.tag, 1),
	}
	if err := binary.Write(m, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	_, err = m.Write(data)
	return err
}

func (m *Mux) Recv(msg any) error {
	var hdr header
	if err := binary.Read(m, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	if hdr.Length < headerSize {
		return fmt.Errorf("usbmuxd: short message (%d bytes)", hdr.Length)
	}
	data := make([]byte, hdr.Length-headerSize)
	if _, err := io.ReadFull(m, data); err != nil {
		return err
	}
	_, err := plist.Unmarshal(data, msg)
	return err
}

func swap16(v uint16) uint16 {
	return v<<8 | v>>8
}
