package quality

import (
	"fmt"

	"github.com/LeventeLantos/whatsapp-dispatch/internal/ratelimit"
)

// Success-rate evaluation is suppressed until this many sends have been
// observed, so a cold start cannot reject jobs on noise.
const minSampleSize = 10

const minSuccessRate = 0.3

// RejectionError explains why a bulk job was refused admission.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return "job admission rejected: " + e.Reason
}

// Gate is the pre-flight circuit breaker consulted once per job submission.
// Per-recipient pacing stays with the admission limiter; the gate only blocks
// whole jobs when recent quality is poor or the daily cap would be exceeded.
type Gate struct {
	metrics *Metrics
	limiter *ratelimit.Limiter
}

func NewGate(metrics *Metrics, limiter *ratelimit.Limiter) *Gate {
	return &Gate{metrics: metrics, limiter: limiter}
}

// AdmitJob returns nil when a job with recipientCount recipients may be
// dispatched, or a *RejectionError describing the refusal.
func (g *Gate) AdmitJob(recipientCount int) error {
	snap := g.metrics.Snapshot()
	if snap.TotalSends > minSampleSize && snap.SuccessRate < minSuccessRate {
		return &RejectionError{
			Reason: fmt.Sprintf("account quality is low: %.0f%% success over the last %d sends",
				snap.SuccessRate*100, snap.TotalSends),
		}
	}

	usage := g.limiter.Usage()
	if day := usage.PerDay; day.Limit > 0 && day.Used+recipientCount > day.Limit {
		return &RejectionError{
			Reason: fmt.Sprintf("daily limit would be exceeded: used %d/%d, requested %d",
				day.Used, day.Limit, recipientCount),
		}
	}

	return nil
}
