// Package health implements the HTTP side of readiness and probing: the
// health check contract shared by the backend and server supervisors, and
// the authenticated client used to talk to the server under test.
package health

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"net/http"
	"os"
	"strings"

	"github.com/perfgo/smokerun/config"
	"github.com/perfgo/smokerun/failure"
)

// Header is a single request header.
type Header struct {
	Name  string
	Value string
}

// Client sends requests with the configured auth headers applied.
type Client struct {
	HTTP    *http.Client
	Headers []Header
}

// NewClient builds a client from the HTTP settings. adminToken is the
// credential generated for the server under test.
func NewClient(cfg config.Client, adminToken string) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	tlsConfig, err := buildTLS(cfg)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}

	headers, err := AuthHeaders(cfg, adminToken)
	if err != nil {
		return nil, err
	}
	return &Client{
		HTTP:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
		Headers: headers,
	}, nil
}

// Do applies the auth headers to req and sends it.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	for _, h := range c.Headers {
		req.Header.Set(h.Name, h.Value)
	}
	return c.HTTP.Do(req)
}

// AuthHeaders resolves the request headers for the auth mode. The custom
// header, when configured, is added once unless the auth mode already set
// a header of that name.
func AuthHeaders(cfg config.Client, adminToken string) ([]Header, error) {
	var custom *Header
	if strings.TrimSpace(cfg.Header) != "" {
		name, value, err := config.ParseHeader(cfg.Header)
		if err != nil {
			return nil, err
		}
		custom = &Header{Name: name, Value: value}
	}

	mode, err := config.ParseAuthMode(string(cfg.AuthMode))
	if err != nil {
		return nil, err
	}

	var headers []Header
	customUsed := false
	switch mode {
	case config.AuthNone:
	case config.AuthBearer:
		token := cfg.Bearer
		if token == "" {
			token = adminToken
		}
		if token != "" {
			headers = append(headers, Header{Name: "Authorization", Value: "Bearer " + token})
		}
	case config.AuthBasic:
		user, password := cfg.BasicUser, cfg.BasicPassword
		if user == "" {
			if u, p, ok := strings.Cut(adminToken, ":"); ok {
				user, password = u, p
			}
		}
		encoded := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
		headers = append(headers, Header{Name: "Authorization", Value: "Basic " + encoded})
	case config.AuthHeader:
		if custom == nil {
			return nil, failure.Configf("config", "auth mode header requires an auth header")
		}
		headers = append(headers, *custom)
		customUsed = true
	}

	if custom != nil && !customUsed && !hasHeader(headers, custom.Name) {
		headers = append(headers, *custom)
	}
	return headers, nil
}

func hasHeader(headers []Header, name string) bool {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return true
		}
	}
	return false
}

// CheckTLS loads the configured CA bundle and client key pair, reporting
// the same configuration errors NewClient would.
func CheckTLS(cfg config.Client) error {
	_, err := buildTLS(cfg)
	return err
}

func buildTLS(cfg config.Client) (*tls.Config, error) {
	if cfg.TLSCA == "" && cfg.TLSCert == "" && cfg.TLSKey == "" {
		return nil, nil
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.TLSCA != "" {
		pem, err := os.ReadFile(cfg.TLSCA)
		if err != nil {
			return nil, failure.Configf("config", "failed to read TLS CA %s: %v", cfg.TLSCA, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, failure.Configf("config", "TLS CA %s contains no PEM certificates", cfg.TLSCA)
		}
		tlsConfig.RootCAs = pool
	}

	switch {
	case cfg.TLSCert != "" && cfg.TLSKey != "":
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, failure.Configf("config", "failed to load TLS client certificate: %v", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	case cfg.TLSCert != "":
		return nil, failure.Configf("config", "TLS client certificate set without key")
	case cfg.TLSKey != "":
		return nil, failure.Configf("config", "TLS client key set without certificate")
	}
	return tlsConfig, nil
}
