package cache

import (
	"errors"
	"strings"
)

// MaxKeyPartLength is the maximum allowed length of an owner or scope.
const MaxKeyPartLength = 256

// Sentinel errors for cache operations.
var (
	ErrInvalidKey      = errors.New("cache: key is invalid")
	ErrKeyTooLong      = errors.New("cache: key exceeds max length")
	ErrUnknownDataType = errors.New("cache: unknown data type")
)

// DataType identifies the kind of upstream data an entry holds.
type DataType string

const (
	// DataAccount is the composed account snapshot.
	DataAccount DataType = "account"
	// DataSummary is the account cash summary.
	DataSummary DataType = "summary"
	// DataPortfolio is the list of open positions.
	DataPortfolio DataType = "portfolio"
	// DataOrders is the list of open orders.
	DataOrders DataType = "orders"
)

// DataTypes lists every known data type.
var DataTypes = []DataType{DataAccount, DataSummary, DataPortfolio, DataOrders}

// Key addresses a single cache entry.
type Key struct {
	Owner  string
	Scope  string
	Type   DataType
	Params string // hash of request parameters, empty when there are none
}

// String returns the key in owner:scope:type[:params] form.
func (k Key) String() string {
	s := k.Owner + ":" + k.Scope + ":" + string(k.Type)
	if k.Params != "" {
		s += ":" + k.Params
	}
	return s
}

// ValidateKey checks if a key is valid for caching.
func ValidateKey(k Key) error {
	for _, part := range []string{k.Owner, k.Scope} {
		if strings.TrimSpace(part) == "" {
			return ErrInvalidKey
		}
		if len(part) > MaxKeyPartLength {
			return ErrKeyTooLong
		}
		if strings.ContainsAny(part, "\n\r") {
			return ErrInvalidKey
		}
	}
	if k.Type == "" {
		return ErrUnknownDataType
	}
	return nil
}
