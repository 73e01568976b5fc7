// Package afc is a minimal Apple File Conduit client for pushing files to a device.
package afc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	pathpkg "path"
	"path/filepath"
	"sync"

	"github.com/blacktop/sideload/pkg/usb/lockdownd"
)

const (
	serviceName = "com.apple.afc"
	magic       = "CFA6LPAA"
	headerSize  = 40

	// larger writes are split into several FileRefWrite packets
	maxWriteSize = 1 << 20
)

const (
	opStatus       = 0x01
	opRemovePath   = 0x08
	opMakeDir      = 0x09
	opFileRefOpen  = 0x0d
	opFileRefOpenR = 0x0e
	opFileRefWrite = 0x10
	opFileRefClose = 0x14
)

// O_WRONLY | O_CREAT | O_TRUNC
const modeWriteOnly = 0x03

// StatusError is a non-zero AFC status code
type StatusError uint64

var statusText = map[StatusError]string{
	1:  "unknown error",
	2:  "invalid operation header",
	3:  "no resources",
	4:  "read error",
	5:  "write error",
	6:  "unknown packet type",
	7:  "invalid argument",
	8:  "object not found",
	9:  "object is a directory",
	10: "permission denied",
	11: "service not connected",
	12: "operation timeout",
	13: "too much data",
	15: "operation not supported",
	16: "object exists",
	17: "object busy",
	18: "no space left",
	19: "operation would block",
	20: "io error",
	21: "operation interrupted",
	22: "operation in progress",
	23: "internal error",
}

func (e StatusError) Error() string {
	if s, ok := statusText[e]; ok {
		return "afc: " + s
	}
	return fmt.Sprintf("afc: status %d", uint64(e))
}

// ErrObjectNotFound is returned for paths that do not exist on the device
const ErrObjectNotFound = StatusError(8)

type header struct {
	Magic        [8]byte
	EntireLength uint64
	ThisLength   uint64
	PacketNum    uint64
	Operation    uint64
}

// Client is an AFC session
type Client struct {
	mu        sync.Mutex
	rw        io.ReadWriteCloser
	packetNum uint64
}

// NewClient starts the AFC service on udid
func NewClient(udid string) (*Client, error) {
	c, err := lockdownd.NewClientForService(serviceName, udid)
	if err != nil {
		return nil, err
	}
	return newClient(c.Conn()), nil
}

func newClient(rw io.ReadWriteCloser) *Client {
	return &Client{rw: rw}
}

func encodeArgs(args ...any) []byte {
	var out []byte
	for _, arg := range args {
		switch v := arg.(type) {
		case uint64:
			out = binary.LittleEndian.AppendUint64(out, v)
		case string:
			out = append(out, v...)
			out = append(out, 0)
		default:
			panic(fmt.Sprintf("afc: invalid argument type %T", v))
		}
	}
	return out
}

type packet struct {
	op      uint64
	data    []byte
	payload []byte
}

func (c *Client) request(op uint64, payload []byte, args ...any) (*packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data := encodeArgs(args...)
	c.packetNum++
	hdr := header{
		EntireLength: headerSize + uint64(len(data)) + uint64(len(payload)),
		ThisLength:   headerSize + uint64(len(data)),
		PacketNum:    c.packetNum,
		Operation:    op,
	}
	copy(hdr.Magic[:], magic)

	buf := make([]byte, 0, hdr.EntireLength)
	buf, _ = binary.Append(buf, binary.LittleEndian, &hdr)
	buf = append(buf, data...)
	buf = append(buf, payload...)
	if _, err := c.rw.Write(buf); err != nil {
		return nil, err
	}

	return c.recv()
}

func (c *Client) recv() (*packet, error) {
	var hdr header
	if err := binary.Read(c.rw, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if string(hdr.Magic[:]) != magic {
		return nil, fmt.Errorf("afc: bad magic %q", hdr.Magic[:])
	}
	if hdr.ThisLength < headerSize || hdr.EntireLength < hdr.ThisLength {
		return nil, fmt.Errorf("afc: bad packet lengths %d/%d", hdr.ThisLength, hdr.EntireLength)
	}

	p := &packet{
		op:      hdr.Operation,
		data:    make([]byte, hdr.ThisLength-headerSize),
		payload: make([]byte, hdr.EntireLength-hdr.ThisLength),
	}
	if _, err := io.ReadFull(c.rw, p.data); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(c.rw, p.payload); err != nil {
		return nil, err
	}

	if p.op == opStatus {
		if len(p.data) < 8 {
			return nil, errors.New("afc: short status packet")
		}
		if code := binary.LittleEndian.Uint64(p.data); code != 0 {
			return nil, StatusError(code)
		}
	}
	return p, nil
}

func (c *Client) MakeDir(dir string) error {
	_, err := c.request(opMakeDir, nil, dir)
	return err
}

func (c *Client) RemovePath(path string) error {
	_, err := c.request(opRemovePath, nil, path)
	return err
}

// File is an open file handle on the device
type File struct {
	c   *Client
	ref uint64
}

// Create opens name for writing, truncating it
func (c *Client) Create(name string) (*File, error) {
	p, err := c.request(opFileRefOpen, nil, uint64(modeWriteOnly), name)
	if err != nil {
		return nil, err
	}
	if p.op != opFileRefOpenR || len(p.data) < 8 {
		return nil, fmt.Errorf("afc: unexpected reply %#x to open %s", p.op, name)
	}
	return &File{c: c, ref: binary.LittleEndian.Uint64(p.data)}, nil
}

func (f *File) Write(b []byte) (int, error) {
	n := 0
	for len(b) > 0 {
		chunk := b
		if len(chunk) > maxWriteSize {
			chunk = chunk[:maxWriteSize]
		}
		if _, err := f.c.request(opFileRefWrite, chunk, f.ref); err != nil {
			return n, err
		}
		n += len(chunk)
		b = b[len(chunk):]
	}
	return n, nil
}

func (f *File) Close() error {
	_, err := f.c.request(opFileRefClose, nil, f.ref)
	return err
}

// CopyFileToDevice copies the local file src to dst
func (c *Client) CopyFileToDevice(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := c.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return out.Close()
}

// CopyCallbackFunc is called after each file is copied
type CopyCallbackFunc func(dst, src string, info os.FileInfo)

// CopyToDevice copies the directory tree src to dst on the device
func (c *Client) CopyToDevice(dst, src string, cb CopyCallbackFunc) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := pathpkg.Join(dst, filepath.ToSlash(rel))
		if info.IsDir() {
			return c.MakeDir(target)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if err := c.CopyFileToDevice(target, path); err != nil {
			return err
		}
		if cb != nil {
			cb(target, path, info)
		}
		return nil
	})
}

func (c *Client) Close() error {
	return c.rw.Close()
}
