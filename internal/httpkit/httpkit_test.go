package httpkit

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewClientSetsUserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	c := NewClient()
	resp, err := c.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	DrainAndClose(resp.Body, 1024)

	if !strings.HasPrefix(got, "Oswald/") {
		t.Errorf("User-Agent = %q, want Oswald/ prefix", got)
	}
}

func TestNewClientPreservesExplicitUserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	c := NewClient()
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "custom/1.0")
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	DrainAndClose(resp.Body, 1024)

	if got != "custom/1.0" {
		t.Errorf("User-Agent = %q, want custom/1.0", got)
	}
}

func TestWithTimeout(t *testing.T) {
	c := NewClient(WithTimeout(3 * time.Second))
	if c.Timeout != 3*time.Second {
		t.Errorf("Timeout = %v, want 3s", c.Timeout)
	}

	// Zero disables the client timeout for streaming.
	c = NewClient(WithTimeout(0))
	if c.Timeout != 0 {
		t.Errorf("Timeout = %v, want 0", c.Timeout)
	}
}

func TestReadErrorBody(t *testing.T) {
	body := strings.NewReader("line one\nline two\n\nline three")
	got := ReadErrorBody(body, 512)
	if got != "line one line two line three" {
		t.Errorf("ReadErrorBody = %q", got)
	}

	long := strings.NewReader(strings.Repeat("x", 100))
	got = ReadErrorBody(long, 10)
	if len(got) != 10 {
		t.Errorf("limit not applied: len = %d", len(got))
	}
}
