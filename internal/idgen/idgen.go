// Package idgen generates identifiers for transactions and requests.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// TransactionPrefix marks server-assigned transaction ids.
const TransactionPrefix = "tx_"

// New returns a random (v4) UUID in canonical form.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by the 32 hex digits of a random UUID.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Transaction returns a transaction id for producers that did not supply
// one.
func Transaction() string {
	return WithPrefix(TransactionPrefix)
}

// IsUUID reports whether s parses as a UUID. Used to accept client-supplied
// request ids only when they are well formed.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
