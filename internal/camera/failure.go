package camera

import "time"

// FailureRecord tracks consecutive sensor failures. Only the Coordinator
// mutates it, always under its lock.
type FailureRecord struct {
	Consecutive int
	Total       uint64
	LastFailure time.Time
	LastClass   FailureClass
	LastError   string
}

func (r *FailureRecord) record(class FailureClass, at time.Time, err error) {
	r.Consecutive++
	r.Total++
	r.LastFailure = at
	r.LastClass = class
	if err != nil {
		r.LastError = err.Error()
	}
}

// clear resets the consecutive count after a success. Totals survive.
func (r *FailureRecord) clear() {
	r.Consecutive = 0
}
