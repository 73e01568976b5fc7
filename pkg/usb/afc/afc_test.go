package afc

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
)

// fakeDevice is an in-memory AFC server
type fakeDevice struct {
	mu    sync.Mutex
	dirs  map[string]bool
	files map[string][]byte
	open  map[uint64]string
	next  uint64
	// deny fails MakeDir for this path
	deny string
}

func newFakeDevice(t *testing.T) (*fakeDevice, *Client) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	d := &fakeDevice{dirs: map[string]bool{}, files: map[string][]byte{}, open: map[uint64]string{}}
	go d.serve(server)
	return d, newClient(client)
}

func cstring(b []byte) string {
	s, _, _ := strings.Cut(string(b), "\x00")
	return s
}

func (d *fakeDevice) reply(w io.Writer, op uint64, data []byte) error {
	hdr := header{
		EntireLength: headerSize + uint64(len(data)),
		ThisLength:   headerSize + uint64(len(data)),
		Operation:    op,
	}
	copy(hdr.Magic[:], magic)
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func (d *fakeDevice) status(w io.Writer, code uint64) error {
	return d.reply(w, opStatus, binary.LittleEndian.AppendUint64(nil, code))
}

func (d *fakeDevice) serve(conn net.Conn) {
	for {
		var hdr header
		if err := binary.Read(conn, binary.LittleEndian, &hdr); err != nil {
			return
		}
		data := make([]byte, hdr.ThisLength-headerSize)
		payload := make([]byte, hdr.EntireLength-hdr.ThisLength)
		if _, err := io.ReadFull(conn, data); err != nil {
			return
		}
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		d.mu.Lock()
		var err error
		switch hdr.Operation {
		case opMakeDir:
			p := cstring(data)
			if p == d.deny {
				err = d.status(conn, 10)
				break
			}
			d.dirs[p] = true
			err = d.status(conn, 0)
		case opFileRefOpen:
			d.next++
			d.open[d.next] = cstring(data[8:])
			d.files[d.open[d.next]] = nil
			err = d.reply(conn, opFileRefOpenR, binary.LittleEndian.AppendUint64(nil, d.next))
		case opFileRefWrite:
			name := d.open[binary.LittleEndian.Uint64(data)]
			d.files[name] = append(d.files[name], payload...)
			err = d.status(conn, 0)
		case opFileRefClose:
			delete(d.open, binary.LittleEndian.Uint64(data))
			err = d.status(conn, 0)
		default:
			err = d.status(conn, 15)
		}
		d.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func TestClient_CopyToDevice(t *testing.T) {
	src := filepath.Join(t.TempDir(), "Acme.app")
	if err := os.MkdirAll(filepath.Join(src, "PlugIns", "Share.appex"), 0755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"Info.plist":                     "bplist00",
		"Acme":                           strings.Repeat("A", maxWriteSize+10),
		"PlugIns/Share.appex/Info.plist": "bplist00",
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(src, filepath.FromSlash(name)), []byte(data), 0644); err != nil {
			t.Fatal(err)
		}
	}

	d, c := newFakeDevice(t)
	var copied []string
	err := c.CopyToDevice("PublicStaging/Acme.app", src, func(dst, _ string, _ os.FileInfo) {
		copied = append(copied, dst)
	})
	if err != nil {
		t.Fatalf("CopyToDevice() error = %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for name, data := range files {
		got, ok := d.files["PublicStaging/Acme.app/"+name]
		if !ok || string(got) != data {
			t.Errorf("device file %s: got %d bytes, want %d", name, len(got), len(data))
		}
	}
	for _, dir := range []string{"PublicStaging/Acme.app", "PublicStaging/Acme.app/PlugIns", "PublicStaging/Acme.app/PlugIns/Share.appex"} {
		if !d.dirs[dir] {
			t.Errorf("directory %s not created", dir)
		}
	}
	if len(d.open) != 0 {
		t.Errorf("%d file handles left open", len(d.open))
	}
	sort.Strings(copied)
	want := []string{"PublicStaging/Acme.app/Acme", "PublicStaging/Acme.app/Info.plist", "PublicStaging/Acme.app/PlugIns/Share.appex/Info.plist"}
	if !reflect.DeepEqual(copied, want) {
		t.Errorf("copied = %v, want %v", copied, want)
	}
}

func TestClient_StatusError(t *testing.T) {
	d, c := newFakeDevice(t)
	d.deny = "PublicStaging"

	err := c.MakeDir("PublicStaging")
	var serr StatusError
	if !errors.As(err, &serr) || serr != 10 {
		t.Fatalf("MakeDir() error = %v, want permission denied", err)
	}
	if err.Error() != "afc: permission denied" {
		t.Errorf("Error() = %q", err.Error())
	}
	if err := c.RemovePath("nope"); !errors.Is(err, StatusError(15)) {
		t.Errorf("RemovePath() error = %v, want operation not supported", err)
	}
}
