package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(HTTPConfig{LiveBaseURL: srv.URL, DemoBaseURL: srv.URL + "/demo"}), srv
}

var testCreds = Credentials{Scope: "isa", APIKey: "key-123", Currency: "GBP"}

func TestHTTPClient_FetchAccount(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != PathCash {
			t.Errorf("path = %s, want %s", r.URL.Path, PathCash)
		}
		if got := r.Header.Get("Authorization"); got != "key-123" {
			t.Errorf("Authorization = %q, want key-123", got)
		}
		_, _ = w.Write([]byte(`{"free":100.5,"total":1100,"invested":1000,"ppl":-12.5,"result":3,"blocked":0,"pieCash":0}`))
	})

	got, err := client.FetchAccount(context.Background(), testCreds)
	if err != nil {
		t.Fatalf("FetchAccount() error = %v", err)
	}
	if got.Free != 100.5 || got.Total != 1100 || got.PPL != -12.5 {
		t.Errorf("FetchAccount() = %+v", got)
	}
}

func TestHTTPClient_FetchPositions(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PathPortfolio {
			t.Errorf("path = %s, want %s", r.URL.Path, PathPortfolio)
		}
		_, _ = w.Write([]byte(`[{"ticker":"AAPL_US_EQ","quantity":2,"averagePrice":150,"currentPrice":175,"ppl":50,"fxPpl":0,"initialFillDate":"2024-03-01T10:00:00.000+00:00"}]`))
	})

	got, err := client.FetchPositions(context.Background(), testCreds)
	if err != nil {
		t.Fatalf("FetchPositions() error = %v", err)
	}
	if len(got) != 1 || got[0].Ticker != "AAPL_US_EQ" {
		t.Fatalf("FetchPositions() = %+v", got)
	}
	if got[0].Value() != 350 || got[0].Cost() != 300 {
		t.Errorf("Value/Cost = %v/%v, want 350/300", got[0].Value(), got[0].Cost())
	}
	if got[0].InitialFillDate.IsZero() {
		t.Error("InitialFillDate not decoded")
	}
}

func TestHTTPClient_FetchOrdersEmpty(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`null`))
	})

	got, err := client.FetchOrders(context.Background(), testCreds)
	if err != nil {
		t.Fatalf("FetchOrders() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("FetchOrders() = %#v, want empty non-nil slice", got)
	}
}

func TestHTTPClient_PracticeUsesDemo(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/demo"+PathOrders {
			t.Errorf("path = %s, want demo prefix", r.URL.Path)
		}
		_, _ = w.Write([]byte(`[]`))
	})

	creds := testCreds
	creds.Practice = true
	if _, err := client.FetchOrders(context.Background(), creds); err != nil {
		t.Fatalf("FetchOrders() error = %v", err)
	}
}

func TestHTTPClient_StatusErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		wantIs     []error
		wantNot    []error
		wantRetry  time.Duration
	}{
		{
			name:    "server error",
			status:  http.StatusBadGateway,
			wantIs:  []error{ErrUpstream},
			wantNot: []error{ErrUnauthorized, ErrThrottled},
		},
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			wantIs: []error{ErrUpstream, ErrUnauthorized},
		},
		{
			name:   "forbidden",
			status: http.StatusForbidden,
			wantIs: []error{ErrUpstream, ErrUnauthorized},
		},
		{
			name:       "throttled",
			status:     http.StatusTooManyRequests,
			retryAfter: "7",
			wantIs:     []error{ErrUpstream, ErrThrottled},
			wantRetry:  7 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			})

			_, err := client.FetchAccount(context.Background(), testCreds)
			for _, want := range tt.wantIs {
				if !errors.Is(err, want) {
					t.Errorf("error %v is not %v", err, want)
				}
			}
			for _, not := range tt.wantNot {
				if errors.Is(err, not) {
					t.Errorf("error %v unexpectedly is %v", err, not)
				}
			}

			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("error %T is not *StatusError", err)
			}
			if se.StatusCode != tt.status || se.Request != RequestSummary || se.Body != "nope" {
				t.Errorf("StatusError = %+v", se)
			}
			retry, ok := RetryAfter(err)
			if retry != tt.wantRetry || ok != (tt.wantRetry > 0) {
				t.Errorf("RetryAfter() = %v, %v, want %v", retry, ok, tt.wantRetry)
			}
		})
	}
}

func TestHTTPClient_DecodeError(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	})

	_, err := client.FetchAccount(context.Background(), testCreds)
	if !errors.Is(err, ErrDecode) {
		t.Errorf("error = %v, want ErrDecode", err)
	}
}

func TestHTTPClient_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.FetchPositions(ctx, testCreds)
	if !IsTimeout(err) {
		t.Errorf("error = %v, want a timeout", err)
	}
}

func TestHTTPClient_InvalidCredentials(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	_, err := client.FetchAccount(context.Background(), Credentials{Scope: "isa"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("error = %v, want ErrInvalidCredentials", err)
	}
	if calls.Load() != 0 {
		t.Error("request sent with invalid credentials")
	}
}

func TestFetch_EncodesByRequestType(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathCash:
			_, _ = w.Write([]byte(`{"free":1,"total":2}`))
		case PathPortfolio, PathOrders:
			_, _ = w.Write([]byte(`[]`))
		}
	})

	for _, rt := range RequestTypes {
		payload, err := Fetch(context.Background(), client, testCreds, rt)
		if err != nil {
			t.Fatalf("Fetch(%s) error = %v", rt, err)
		}
		if len(payload) == 0 {
			t.Errorf("Fetch(%s) returned empty payload", rt)
		}
	}

	if _, err := Fetch(context.Background(), client, testCreds, RequestType("history")); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("Fetch(history) error = %v, want ErrUnknownRequest", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"-5", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
