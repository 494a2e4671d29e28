package contractlookup

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewWithoutURLReturnsDisabledError(t *testing.T) {
	c := New("", zerolog.Nop())
	_, err := c.Lookup(context.Background(), 1)
	if err != ErrDisabled {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestLookupParsesUpstreamResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/contracts/42" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(Contract{ContractID: 42, Symbol: "AAPL", Exchange: "SMART", SecType: "STK"})
	}))
	defer srv.Close()

	c := New(srv.URL, zerolog.Nop())
	got, err := c.Lookup(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Symbol != "AAPL" {
		t.Fatalf("expected symbol AAPL, got %q", got.Symbol)
	}
}

func TestLookupUpstreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, zerolog.Nop())
	if _, err := c.Lookup(context.Background(), 99); err == nil {
		t.Fatalf("expected an error for a 404 upstream response")
	}
}
