package transport

import (
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/blacktop/sideload/internal/transport/rootcert"
)

func clearProxyEnv(t *testing.T) {
	t.Helper()
	for _, key := range proxyEnvVars {
		t.Setenv(key, "")
	}
}

func TestNewTransport_TrustsAppleRoot(t *testing.T) {
	clearProxyEnv(t)

	if got := rootcert.AppleRootCA.Subject.CommonName; got != "Apple Root CA" {
		t.Fatalf("embedded root CommonName = %q", got)
	}

	tr := NewTransport(&Config{})
	if tr.TLSClientConfig == nil || tr.TLSClientConfig.RootCAs == nil {
		t.Fatal("transport has no root pool")
	}
	if _, err := rootcert.AppleRootCA.Verify(x509.VerifyOptions{Roots: tr.TLSClientConfig.RootCAs}); err != nil {
		t.Errorf("Apple Root CA not trusted by transport: %v", err)
	}
}

func TestNewClient_RootCAs(t *testing.T) {
	clearProxyEnv(t)

	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	t.Cleanup(ts.Close)

	tests := []struct {
		name    string
		conf    *Config
		wantErr bool
	}{
		{"unknown root", &Config{}, true},
		{"extra root", &Config{RootCAs: []*x509.Certificate{ts.Certificate()}}, false},
		{"insecure", &Config{Insecure: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := NewClient(tt.conf).Get(ts.URL)
			if err == nil {
				resp.Body.Close()
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("Get() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetProxy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://gsa.apple.com/grandslam/GsService2", nil)

	u, err := GetProxy("http://127.0.0.1:3128")(req)
	if err != nil || u == nil || u.Host != "127.0.0.1:3128" {
		t.Errorf("GetProxy() = %v, %v", u, err)
	}

	if _, err := GetProxy("http://proxy:port")(req); err == nil {
		t.Error("GetProxy() with a bad url returned no error")
	}
}

func TestNewClient_BadProxyFails(t *testing.T) {
	clearProxyEnv(t)

	var hit atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit.Store(true)
	}))
	t.Cleanup(ts.Close)

	resp, err := NewClient(&Config{Proxy: "http://proxy:port"}).Get(ts.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("Get() through a bad proxy url succeeded")
	}
	if hit.Load() {
		t.Error("request bypassed the configured proxy")
	}
}
