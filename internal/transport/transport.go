// Package transport builds the HTTP clients used to talk to Apple and the
// anisette server.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/sideload/internal/transport/rootcert"
	"golang.org/x/net/http/httpproxy"
)

const defaultTimeout = 60 * time.Second

var proxyEnvVars = [...]string{
	"HTTPS_PROXY",
	"https_proxy",
	"HTTP_PROXY",
	"http_proxy",
	"ALL_PROXY",
	"all_proxy",
}

// Config is the transport configuration shared by every client
type Config struct {
	Proxy    string
	Insecure bool
	Timeout  time.Duration
	// RootCAs are trusted in addition to the system pool and the Apple Root CA
	RootCAs []*x509.Certificate
}

// GetProxy returns the proxy func for an explicit proxy URL or the environment
func GetProxy(proxy string) func(*http.Request) (*url.URL, error) {
	if len(proxy) > 0 {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			err = fmt.Errorf("bad proxy url %q: %w", proxy, err)
			return func(*http.Request) (*url.URL, error) { return nil, err }
		}
		log.Debugf("proxy set to: %s", proxyURL)

		return http.ProxyURL(proxyURL)
	}

	conf := httpproxy.FromEnvironment()
	if len(conf.HTTPProxy) > 0 || len(conf.HTTPSProxy) > 0 {
		log.WithFields(log.Fields{
			"http_proxy":  conf.HTTPProxy,
			"https_proxy": conf.HTTPSProxy,
			"no_proxy":    conf.NoProxy,
		}).Debugf("proxy info from environment")
	}

	return http.ProxyFromEnvironment
}

// NewTransport returns an *http.Transport honouring the proxy and TLS settings
func NewTransport(conf *Config) *http.Transport {
	transport := &http.Transport{
		Proxy: GetProxy(conf.Proxy),
	}

	if conf.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		return transport
	}

	certPool, err := x509.SystemCertPool()
	if err != nil {
		if hasConfiguredProxy(conf.Proxy) {
			log.WithError(err).Warn("failed to load system cert pool with proxy configured; using platform/default TLS trust")
			transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			return transport
		}

		log.WithError(err).Warn("failed to load system cert pool; using bundled Apple root CA only")
		certPool = x509.NewCertPool()
	} else if certPool == nil {
		certPool = x509.NewCertPool()
	}

	certPool.AddCert(rootcert.AppleRootCA)
	for _, cert := range conf.RootCAs {
		certPool.AddCert(cert)
	}

	transport.TLSClientConfig = &tls.Config{
		RootCAs:    certPool,
		MinVersion: tls.VersionTLS12,
	}

	return transport
}

// NewClient returns an *http.Client using NewTransport
func NewClient(conf *Config) *http.Client {
	if conf == nil {
		conf = &Config{}
	}
	timeout := conf.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Transport: NewTransport(conf),
		Timeout:   timeout,
	}
}

func hasConfiguredProxy(proxy string) bool {
	if strings.TrimSpace(proxy) != "" {
		return true
	}

	for _, key := range proxyEnvVars {
		if strings.TrimSpace(os.Getenv(key)) != "" {
			return true
		}
	}

	return false
}
