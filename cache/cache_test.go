package cache

import (
	"errors"
	"strings"
	"testing"
)

// TestValidateKey tests key validation rules.
func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     Key
		wantErr error
	}{
		{"valid key", Key{Owner: "u1", Scope: "acc-1", Type: DataSummary}, nil},
		{"empty owner", Key{Scope: "acc-1", Type: DataSummary}, ErrInvalidKey},
		{"empty scope", Key{Owner: "u1", Type: DataSummary}, ErrInvalidKey},
		{"whitespace scope", Key{Owner: "u1", Scope: "   ", Type: DataSummary}, ErrInvalidKey},
		{"newline owner", Key{Owner: "u\n1", Scope: "acc-1", Type: DataSummary}, ErrInvalidKey},
		{"too long", Key{Owner: strings.Repeat("x", MaxKeyPartLength+1), Scope: "a", Type: DataSummary}, ErrKeyTooLong},
		{"max length exactly", Key{Owner: strings.Repeat("x", MaxKeyPartLength), Scope: "a", Type: DataSummary}, nil},
		{"missing type", Key{Owner: "u1", Scope: "acc-1"}, ErrUnknownDataType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateKey(%v) = %v, want %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestKey_String(t *testing.T) {
	k := Key{Owner: "u1", Scope: "acc", Type: DataOrders}
	if got := k.String(); got != "u1:acc:orders" {
		t.Errorf("String() = %q", got)
	}
	k.Params = "abc"
	if got := k.String(); got != "u1:acc:orders:abc" {
		t.Errorf("String() with params = %q", got)
	}
}

// TestSentinelErrors verifies sentinel errors are distinct and have expected messages.
func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrInvalidKey", ErrInvalidKey, "cache: key is invalid"},
		{"ErrKeyTooLong", ErrKeyTooLong, "cache: key exceeds max length"},
		{"ErrUnknownDataType", ErrUnknownDataType, "cache: unknown data type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("%s.Error() = %q, want %q", tt.name, got, tt.wantMsg)
			}
		})
	}
}
