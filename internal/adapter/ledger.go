package adapter

import (
	"fmt"
	"strconv"
)

// Ledger is the ledger reference adapter: snapshot keys are account ids,
// values are integer balances encoded as decimal strings. Structurally a
// different domain from the task graph; behind the adapter surface the
// kernel cannot tell, which is the design intent.
type Ledger struct {
	fragmentCore
}

// NewLedger creates a ledger adapter at the given version.
func NewLedger(version string) *Ledger {
	l := &Ledger{}
	l.adapterID = "ledger"
	l.version = version
	l.validateValue = func(key, value string) error {
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return fmt.Errorf("account %s: balance %q is not an integer", key, value)
		}
		return nil
	}
	return l
}
