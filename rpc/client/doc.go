// Package client implements the client of the operator HTTP api (see
// package admin).
//
// Requests are spread round-robin over the configured endpoints. Connection
// errors and 5xx answers are retried with exponential backoff using
// go-retryablehttp; the number of retries is ClientConfig.RetryCount.
//
// Usage Example:
//
//	c, _ := client.NewAdminClient(common.ClientConfig{
//	  Endpoints:     []string{"localhost:8080"},
//	  TimeoutSecond: 5,
//	  RetryCount:    3,
//	})
//	defer c.Close()
//
//	id, _ := c.StartBackfill(ctx, "b", "m", "")
//	report, _ := c.WaitBackfill(ctx, id, 100*time.Millisecond)
//
// Session reports only live on the node that runs the session, so a client
// following a backfill should be configured with that node alone.
package client
