package scraper

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ClientOptions configures the shared outbound HTTP client.
type ClientOptions struct {
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// NewHTTPClient builds a client that follows redirects and, when asked,
// accepts invalid certificates. Many publisher sites serve ads.txt over
// broken TLS, so the checker runs with verification off by default.
func NewHTTPClient(opts ClientOptions) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	transport.MaxIdleConnsPerHost = 4

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// NormalizeURL trims whitespace and quotes from user input and defaults
// the scheme to https.
func NormalizeURL(raw string) (*url.URL, error) {
	s := strings.Trim(strings.TrimSpace(raw), `"'`)
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty URL")
	}
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, errors.New("URL has no host")
	}
	return u, nil
}

// Describe turns a transport error into the short labels shown to users.
func Describe(err error) string {
	switch {
	case err == nil:
		return "OK"
	case IsTimeout(err):
		return "Timeout"
	case IsTLSError(err):
		return "SSL Error"
	case isConnError(err):
		return "Connection Error"
	}
	return err.Error()
}

func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func IsTLSError(err error) bool {
	var (
		certErr    *tls.CertificateVerificationError
		recordErr  tls.RecordHeaderError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
	)
	if errors.As(err, &certErr) || errors.As(err, &recordErr) || errors.As(err, &unknownCA) ||
		errors.As(err, &hostErr) || errors.As(err, &invalidErr) {
		return true
	}
	return strings.Contains(err.Error(), "tls: ")
}

func isConnError(err error) bool {
	var (
		opErr  *net.OpError
		dnsErr *net.DNSError
	)
	return errors.As(err, &opErr) || errors.As(err, &dnsErr)
}
