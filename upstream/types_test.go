package upstream

import (
	"errors"
	"strings"
	"testing"

	"github.com/jonwraymond/brokeragg/cache"
)

func TestRequestType_DataType(t *testing.T) {
	tests := []struct {
		rt   RequestType
		want cache.DataType
	}{
		{RequestSummary, cache.DataSummary},
		{RequestPortfolio, cache.DataPortfolio},
		{RequestOrders, cache.DataOrders},
	}
	for _, tt := range tests {
		if got := tt.rt.DataType(); got != tt.want {
			t.Errorf("%s.DataType() = %q, want %q", tt.rt, got, tt.want)
		}
		if !tt.rt.Valid() {
			t.Errorf("%s.Valid() = false", tt.rt)
		}
	}
	if RequestType("dividends").Valid() {
		t.Error("unknown request type reported valid")
	}
}

func TestCredentials_Validate(t *testing.T) {
	if err := (Credentials{APIKey: "k"}).Validate(); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("missing scope: %v", err)
	}
	if err := (Credentials{Scope: "isa"}).Validate(); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("missing key: %v", err)
	}
	if err := testCreds.Validate(); err != nil {
		t.Errorf("valid creds: %v", err)
	}
}

func TestCredentials_StringHidesKey(t *testing.T) {
	s := Credentials{Scope: "isa", APIKey: "secret-key", Practice: true}.String()
	if strings.Contains(s, "secret-key") {
		t.Errorf("String() = %q leaks the key", s)
	}
	if s != "isa(demo)" {
		t.Errorf("String() = %q, want isa(demo)", s)
	}
}
