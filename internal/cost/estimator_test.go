package cost

import (
	"testing"

	"github.com/renderfleet/api/internal/model"
)

func recordWithChunks(durations []int64, invocations int) *model.ProgressRecord {
	rec := &model.ProgressRecord{InvocationCount: invocations}
	for i, d := range durations {
		rec.Chunks = append(rec.Chunks, model.Chunk{Index: i, DurationMs: d})
	}
	return rec
}

func TestEstimate_SumsAllAttempts(t *testing.T) {
	e := NewEstimator("us-east-1")
	// Chunk durations already include retried attempts (the dispatcher
	// accumulates per attempt).
	rec := recordWithChunks([]int64{10000, 12000, 8000, 10000}, 4)

	est := e.Estimate(rec, 5000, 2048, 512)
	if est.TotalDurationMs != 45000 {
		t.Errorf("total duration = %d, want 45000", est.TotalDurationMs)
	}
	if est.InvocationCount != 4 {
		t.Errorf("invocation count = %d", est.InvocationCount)
	}

	// 45 s at 2 GB: 90 GB-s * 0.0000166667 ≈ 0.0015, plus request charges.
	if est.EstimatedUsd < 0.0014 || est.EstimatedUsd > 0.0016 {
		t.Errorf("estimated USD = %f", est.EstimatedUsd)
	}
}

func TestEstimate_UnknownRegionFallsBack(t *testing.T) {
	known := NewEstimator("us-east-1").Estimate(recordWithChunks([]int64{60000}, 1), 0, 2048, 512)
	unknown := NewEstimator("mars-north-1").Estimate(recordWithChunks([]int64{60000}, 1), 0, 2048, 512)
	if known.EstimatedUsd != unknown.EstimatedUsd {
		t.Errorf("fallback differs from default-price region: %f vs %f", unknown.EstimatedUsd, known.EstimatedUsd)
	}
}

func TestEstimate_RegionalPricing(t *testing.T) {
	rec := recordWithChunks([]int64{60000}, 1)
	base := NewEstimator("us-east-1").Estimate(rec, 0, 2048, 512)
	saoPaulo := NewEstimator("sa-east-1").Estimate(rec, 0, 2048, 512)
	if saoPaulo.EstimatedUsd <= base.EstimatedUsd {
		t.Errorf("sa-east-1 (%f) should cost more than us-east-1 (%f)", saoPaulo.EstimatedUsd, base.EstimatedUsd)
	}
}

func TestEstimate_DiskAboveBaseline(t *testing.T) {
	rec := recordWithChunks([]int64{600000}, 1)
	withBase := NewEstimator("us-east-1").Estimate(rec, 0, 2048, 512)
	withExtra := NewEstimator("us-east-1").Estimate(rec, 0, 2048, 10240)
	if withExtra.EstimatedUsd <= withBase.EstimatedUsd {
		t.Errorf("extra disk not billed: %f vs %f", withExtra.EstimatedUsd, withBase.EstimatedUsd)
	}
}

func TestEstimate_FailedJobStillPriced(t *testing.T) {
	// A job that failed after partial work still gets an estimate over the
	// telemetry collected so far.
	rec := recordWithChunks([]int64{10000, 0, 0}, 2)
	rec.Status = model.JobStatusFailed

	est := NewEstimator("us-east-1").Estimate(rec, 2000, 2048, 512)
	if est.TotalDurationMs != 12000 {
		t.Errorf("total duration = %d, want 12000", est.TotalDurationMs)
	}
	if est.EstimatedUsd <= 0 {
		t.Error("failed job produced zero estimate despite telemetry")
	}
}

func TestEstimate_EmptyRecord(t *testing.T) {
	est := NewEstimator("us-east-1").Estimate(&model.ProgressRecord{}, 0, 2048, 512)
	if est.TotalDurationMs != 0 || est.EstimatedUsd != 0 {
		t.Errorf("empty record produced %+v", est)
	}
}
