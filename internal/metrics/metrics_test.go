package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordCounters(t *testing.T) {
	before := testutil.ToFloat64(observationWrites.WithLabelValues("conflict"))
	RecordObservationWrite("conflict")
	RecordObservationWrite("conflict")
	assert.InDelta(t, before+2, testutil.ToFloat64(observationWrites.WithLabelValues("conflict")), 0.0001)

	before = testutil.ToFloat64(stageOutcomes.WithLabelValues("evidence", "fail"))
	RecordStageOutcome("evidence", "fail")
	assert.InDelta(t, before+1, testutil.ToFloat64(stageOutcomes.WithLabelValues("evidence", "fail")), 0.0001)

	before = testutil.ToFloat64(rawBytes)
	RecordRawBytes(512)
	RecordRawBytes(-1)
	assert.InDelta(t, before+512, testutil.ToFloat64(rawBytes), 0.0001)
}

func TestRecordScreening(t *testing.T) {
	RecordScreening("ok", 120*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(screeningLatency), 1)
}
