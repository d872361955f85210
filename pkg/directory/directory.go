// Package directory is a client for the vendor's site directory, which
// resolves a site ID and account email to the coordinates of the panel's
// relay rendezvous.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ErrLookupFailed is returned for non-200 responses or a schema mismatch.
var ErrLookupFailed = errors.New("directory: lookup failed")

// testEndpoint overrides the vendor endpoint in tests.
var testEndpoint = "https://api.insightgoldatpmh.com/v1/site"

const userAgent = "Mozilla/3.0 (compatible; Indy Library)"

// Module describes one panel IP module returned by the directory.
type Module struct {
	IPAddress string
	Port      int
	XorAddr   string // hex-encoded XOR-mapped address, as used by RelayNegotiator
}

// Lookup resolves siteID/email to the first site's first module.
func Lookup(ctx context.Context, siteID, email string) (Module, error) {
	return LookupWithClient(ctx, http.DefaultClient, siteID, email)
}

// LookupWithClient is Lookup with an explicit *http.Client, for testing.
func LookupWithClient(ctx context.Context, hc *http.Client, siteID, email string) (Module, error) {
	u, err := url.Parse(testEndpoint)
	if err != nil {
		return Module{}, fmt.Errorf("directory: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("name", siteID)
	q.Set("email", email)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Module{}, fmt.Errorf("directory: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html, */*")
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := hc.Do(req)
	if err != nil {
		return Module{}, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Module{}, fmt.Errorf("%w: status %d", ErrLookupFailed, resp.StatusCode)
	}

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return Module{}, fmt.Errorf("%w: read body: %v", ErrLookupFailed, err)
	}

	var parsed struct {
		Site []struct {
			Module []struct {
				IPAddress string `json:"ipAddress"`
				Port      int    `json:"port"`
				XorAddr   string `json:"xoraddr"`
			} `json:"module"`
		} `json:"site"`
	}
	if err := json.Unmarshal(buf, &parsed); err != nil {
		return Module{}, fmt.Errorf("%w: invalid json: %v", ErrLookupFailed, err)
	}

	if len(parsed.Site) == 0 || len(parsed.Site[0].Module) == 0 {
		return Module{}, fmt.Errorf("%w: no site/module in response", ErrLookupFailed)
	}

	m := parsed.Site[0].Module[0]
	return Module{
		IPAddress: m.IPAddress,
		Port:      m.Port,
		XorAddr:   m.XorAddr,
	}, nil
}
