// Package cost derives an advisory price estimate from the telemetry a job
// accumulates in its progress record.
package cost

import (
	"math"

	"github.com/renderfleet/api/internal/model"
)

// Per-GB-second compute prices for the supported worker regions, plus a flat
// per-invocation request charge. Storage and third-party licensing are
// excluded; the estimate is explicitly non-authoritative.
var gbSecondPrice = map[string]float64{
	"us-east-1":      0.0000166667,
	"us-east-2":      0.0000166667,
	"us-west-2":      0.0000166667,
	"eu-west-1":      0.0000166667,
	"eu-central-1":   0.0000166667,
	"ap-southeast-1": 0.0000166667,
	"ap-southeast-2": 0.0000166667,
	"ap-northeast-1": 0.0000166667,
	"ap-south-1":     0.0000166667,
	"sa-east-1":      0.0000277778,
	"af-south-1":     0.0000221,
	"me-south-1":     0.0000206667,
}

const (
	defaultGbSecondPrice = 0.0000166667
	perRequestUsd        = 0.0000002

	// Ephemeral disk below this baseline is bundled into the compute price.
	diskBaselineMb    = 512
	diskGbSecondPrice = 0.0000000309
)

// Estimator converts accumulated telemetry into a PriceEstimate.
type Estimator struct {
	region string
}

// NewEstimator creates an estimator for the configured worker region.
func NewEstimator(region string) *Estimator {
	return &Estimator{region: region}
}

// Estimate computes the advisory price for a job from its record, including
// retried attempts and the orchestrator's own lifetime. It is computed even
// for failed jobs, over whatever telemetry was collected.
func (e *Estimator) Estimate(rec *model.ProgressRecord, orchestratorMs int64, memoryMb, diskMb int) *model.PriceEstimate {
	var totalMs int64
	for _, c := range rec.Chunks {
		totalMs += c.DurationMs
	}
	totalMs += orchestratorMs

	price, ok := gbSecondPrice[e.region]
	if !ok {
		price = defaultGbSecondPrice
	}

	seconds := float64(totalMs) / 1000.0
	memoryGb := float64(memoryMb) / 1024.0
	usd := seconds * memoryGb * price
	usd += float64(rec.InvocationCount) * perRequestUsd

	if diskMb > diskBaselineMb {
		extraGb := float64(diskMb-diskBaselineMb) / 1024.0
		usd += seconds * extraGb * diskGbSecondPrice
	}

	return &model.PriceEstimate{
		TotalDurationMs: totalMs,
		MemoryMb:        memoryMb,
		DiskMb:          diskMb,
		InvocationCount: rec.InvocationCount,
		EstimatedUsd:    roundUsd(usd),
	}
}

func roundUsd(v float64) float64 {
	return math.Round(v*100000) / 100000
}
