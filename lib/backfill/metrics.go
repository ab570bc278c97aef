package backfill

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	chunksApplied      = metrics.GetOrCreateCounter(`rkv_backfill_chunks_total{role="backfillee"}`)
	bytesApplied       = metrics.GetOrCreateCounter(`rkv_backfill_bytes_total{role="backfillee"}`)
	chunksSent         = metrics.GetOrCreateCounter(`rkv_backfill_chunks_total{role="backfiller"}`)
	bytesSent          = metrics.GetOrCreateCounter(`rkv_backfill_bytes_total{role="backfiller"}`)
	chunkApplyDuration = metrics.GetOrCreateHistogram(`rkv_backfill_chunk_apply_duration_seconds`)
	sessionDuration    = metrics.GetOrCreateHistogram(`rkv_backfill_session_duration_seconds`)
)

const (
	roleBackfillee = "backfillee"
	roleBackfiller = "backfiller"
)

// sessionStarted counts a session of the given role
func sessionStarted(role string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`rkv_backfill_sessions_started_total{role=%q}`, role)).Inc()
}

// sessionFinished counts a finished session by the kind of error it ended with
func sessionFinished(role string, err error) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`rkv_backfill_sessions_finished_total{role=%q,result=%q}`, role, KindOf(err))).Inc()
}
