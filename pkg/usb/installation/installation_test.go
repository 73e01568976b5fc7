package installation

import (
	"errors"
	"net"
	"reflect"
	"testing"

	"github.com/blacktop/sideload/pkg/usb"
)

func fakeProxy(t *testing.T, events []map[string]any, check func(req map[string]any)) *Client {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	srv := usb.NewClientConn(server, "udid", nil)
	go func() {
		var req map[string]any
		if err := srv.Recv(&req); err != nil {
			return
		}
		check(req)
		for _, ev := range events {
			if err := srv.Send(ev); err != nil {
				return
			}
		}
	}()
	return &Client{c: usb.NewClientConn(client, "udid", nil)}
}

func TestClient_Install(t *testing.T) {
	events := []map[string]any{
		{"Status": "CreatingStagingDirectory", "PercentComplete": 5},
		{"PercentComplete": 7},
		{"Status": "InstallingApplication", "PercentComplete": 60},
		{"Status": "Complete"},
	}
	c := fakeProxy(t, events, func(req map[string]any) {
		if req["Command"] != "Install" || req["PackagePath"] != "PublicStaging/Acme.app" {
			t.Errorf("unexpected request %v", req)
		}
		opts, _ := req["ClientOptions"].(map[string]any)
		if opts["PackageType"] != "Developer" {
			t.Errorf("ClientOptions = %v", req["ClientOptions"])
		}
	})

	var got []int
	if err := c.Install("PublicStaging/Acme.app", func(p int) { got = append(got, p) }); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if want := []int{5, 60, 100}; !reflect.DeepEqual(got, want) {
		t.Errorf("progress = %v, want %v", got, want)
	}
}

func TestClient_InstallError(t *testing.T) {
	events := []map[string]any{
		{"Status": "VerifyingApplication", "PercentComplete": 40},
		{"Error": "ApplicationVerificationFailed", "ErrorDescription": "Failed to verify code signature"},
	}
	c := fakeProxy(t, events, func(map[string]any) {})

	err := c.Install("PublicStaging/Acme.app", nil)
	var ierr *InstallError
	if !errors.As(err, &ierr) {
		t.Fatalf("Install() error = %v, want *InstallError", err)
	}
	if ierr.Code != "ApplicationVerificationFailed" {
		t.Errorf("InstallError.Code = %s", ierr.Code)
	}
}
