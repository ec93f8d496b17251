package reconcile

import (
	"errors"
	"fmt"

	"gozon/fulfillment/internal/apperr"
)

// Report summarises one sweep. Every candidate lands in exactly one of
// Applied, Skipped, Deferred or Failed.
type Report struct {
	Sweep      string `json:"sweep"`
	DryRun     bool   `json:"dry_run"`
	Candidates int    `json:"candidates"`
	Applied    int    `json:"applied"`
	Skipped    int    `json:"skipped"`
	Deferred   int    `json:"deferred"`
	Failed     int    `json:"failed"`
}

// OK reports whether no candidate failed permanently.
func (r Report) OK() bool {
	return r.Failed == 0
}

func (r Report) String() string {
	return fmt.Sprintf("%s: candidates=%d applied=%d skipped=%d deferred=%d failed=%d dry_run=%t",
		r.Sweep, r.Candidates, r.Applied, r.Skipped, r.Deferred, r.Failed, r.DryRun)
}

type class int

const (
	classSkipped class = iota
	classDeferred
	classFailed
)

// classify decides how a per-candidate error is counted. Business and
// permanent errors will not resolve on their own; everything else, including
// provider outages and lock timeouts, is retried on the next tick.
func classify(err error) class {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return classSkipped
	case apperr.IsPermanent(err), apperr.IsBusiness(err):
		return classFailed
	default:
		return classDeferred
	}
}
