package cost

import "time"

// SetNow overrides the tracker clock so tests can pin the ledger date.
func (t *Tracker) SetNow(now func() time.Time) { t.now = now }
