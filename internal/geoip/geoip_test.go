package geoip

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLookupFirstEndpointWins(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		w.Write([]byte(`{"status":"success","countryCode":"CN","country":"China"}`))
	}))
	defer srv.Close()

	c := New([]string{srv.URL + "/json/{host}"})
	code, method, err := c.Lookup(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if code != "CN" {
		t.Errorf("code = %q", code)
	}
	if !strings.Contains(gotPath, "1.2.3.4") {
		t.Errorf("host not substituted: %s", gotPath)
	}
	if method == "" {
		t.Error("method empty")
	}
}

func TestLookupFallsBackOnFailure(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer bad.Close()
	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer garbage.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ip":"1.2.3.4","country":"de"}`))
	}))
	defer good.Close()

	c := New([]string{bad.URL + "?ip={host}", garbage.URL + "?ip={host}", good.URL + "?ip={host}"})
	code, _, err := c.Lookup(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if code != "DE" {
		t.Errorf("code = %q, want normalized DE", code)
	}
}

func TestLookupAllFail(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer bad.Close()

	c := New([]string{bad.URL, bad.URL})
	if _, _, err := c.Lookup(context.Background(), "1.2.3.4"); err == nil {
		t.Fatal("want error when every endpoint fails")
	}
}

func TestLookupNoEndpoints(t *testing.T) {
	c := New(nil)
	if _, _, err := c.Lookup(context.Background(), "1.2.3.4"); err == nil {
		t.Fatal("want error with no endpoints")
	}
}

func TestLookupTimeoutPerEndpoint(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.Write([]byte(`{"countryCode":"US"}`))
	}))
	defer slow.Close()
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"countryCode":"US"}`))
	}))
	defer fast.Close()

	c := New([]string{slow.URL, fast.URL})
	c.timeout = 100 * time.Millisecond

	start := time.Now()
	code, _, err := c.Lookup(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if code != "US" {
		t.Errorf("code = %q", code)
	}
	if time.Since(start) > time.Second {
		t.Error("slow endpoint was not cut off by the per-probe timeout")
	}
}

func TestLookupRespectsCallerCancel(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer slow.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	c := New([]string{slow.URL, slow.URL, slow.URL})
	start := time.Now()
	_, _, err := c.Lookup(ctx, "1.2.3.4")
	if err == nil {
		t.Fatal("want error after cancel")
	}
	if time.Since(start) > time.Second {
		t.Error("cancel did not interrupt the lookup")
	}
}

func TestCountryFromShapes(t *testing.T) {
	cases := []struct {
		body map[string]any
		want string
		ok   bool
	}{
		{map[string]any{"countryCode": "CN"}, "CN", true},
		{map[string]any{"country_code": "us"}, "US", true},
		{map[string]any{"country_iso": "JP", "country": "Japan"}, "JP", true},
		{map[string]any{"country": "DE"}, "DE", true},
		{map[string]any{"country": "Germany"}, "", false},
		{map[string]any{}, "", false},
	}
	for _, tc := range cases {
		got, ok := countryFrom(tc.body)
		if got != tc.want || ok != tc.ok {
			t.Errorf("countryFrom(%v) = %q, %v; want %q, %v", tc.body, got, ok, tc.want, tc.ok)
		}
	}
}
