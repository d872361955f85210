package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLookupSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("name"); got != "site1" {
			t.Errorf("name = %q", got)
		}
		if got := r.URL.Query().Get("email"); got != "user@example.com" {
			t.Errorf("email = %q", got)
		}
		w.Write([]byte(`{"site":[{"module":[{"ipAddress":"1.2.3.4","port":10000,"xoraddr":"deadbeef"}]}]}`))
	}))
	defer srv.Close()

	// Point at the test server by temporarily overriding testEndpoint.
	m, err := lookupAt(srv.URL, srv.Client(), "site1", "user@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if m.IPAddress != "1.2.3.4" || m.Port != 10000 || m.XorAddr != "deadbeef" {
		t.Fatalf("unexpected module: %+v", m)
	}
}

func TestLookupFailedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	if _, err := lookupAt(srv.URL, srv.Client(), "site1", "user@example.com"); err == nil {
		t.Fatal("expected error")
	}
}

// lookupAt is a test-only variant of LookupWithClient targeting an explicit
// base URL instead of the hardcoded vendor endpoint.
func lookupAt(base string, hc *http.Client, siteID, email string) (Module, error) {
	old := testEndpoint
	testEndpoint = base
	defer func() { testEndpoint = old }()
	return LookupWithClient(context.Background(), hc, siteID, email)
}
