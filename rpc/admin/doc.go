// Package admin implements the operator HTTP api of a node.
//
// Routes:
//
//	POST   /backfill          start a backfill, body BackfillRequest, answers BackfillStarted
//	GET    /backfill/{id}     progress report of a session (backfill.Report)
//	GET    /backfills         reports of all active and retained sessions
//	PUT    /kv/{key}          write the request body to a key of the serving region
//	GET    /kv/{key}          read a key
//	DELETE /kv/{key}          delete a key of the serving region
//	GET    /metainfo          versions of [start, end) (query parameters)
//	GET    /info              node and store view statistics
//	GET    /metrics           Prometheus metrics
//	GET    /debug/metrics     go-metrics registry as JSON
//
// Failed requests answer with an ErrorResponse. Store errors are mapped by
// their return code: invalid operations are 400, a closed store is 503.
package admin
