package modapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"guardbot/pkg/logx"
)

func TestCreateInfraction(t *testing.T) {
	var gotAuth, gotReqID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/infractions" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get("X-Request-ID")

		var in NewInfraction
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode: %v", err)
		}
		if in.Type != "watch" || in.UserID != 7 {
			t.Errorf("payload: %+v", in)
		}

		_ = json.NewEncoder(w).Encode(Infraction{ID: 123, Type: in.Type, UserID: in.UserID, Active: true})
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Token: "secret"}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	inf, err := c.CreateInfraction(context.Background(), NewInfraction{Type: "watch", UserID: 7, Reason: "spam"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inf.ID != 123 || !inf.Active {
		t.Fatalf("got %+v", inf)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("auth header: %q", gotAuth)
	}
	if gotReqID == "" {
		t.Fatal("missing X-Request-ID")
	}
}

func TestRetriesOn5xxKeepRequestID(t *testing.T) {
	var calls atomic.Int32
	ids := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids[r.Header.Get("X-Request-ID")] = true
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode([]Infraction{{ID: 1, Type: "watch", UserID: 9, Active: true}})
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, RetryMax: 4, RatePerSec: 100}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	watches, err := c.ActiveWatches(context.Background())
	if err != nil {
		t.Fatalf("active watches: %v", err)
	}
	if len(watches) != 1 || watches[0].UserID != 9 {
		t.Fatalf("got %+v", watches)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls: got %d, want 3", got)
	}
	if len(ids) != 1 {
		t.Fatalf("request id changed across retries: %v", ids)
	}
}

func TestClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "no such infraction"})
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, RetryMax: 3, RatePerSec: 100}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	err = c.CloseInfraction(context.Background(), 42, "done")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("got %v, want APIError", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Message != "no such infraction" {
		t.Fatalf("got %+v", apiErr)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("4xx retried: %d calls", got)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("empty base_url must error")
	}
}
