package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rangekv/lib/backfill"
	"github.com/ValentinKolb/rangekv/lib/history"
	"github.com/ValentinKolb/rangekv/rpc/admin"
	"github.com/ValentinKolb/rangekv/rpc/common"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc")
)

// ErrNotFound is returned for keys and sessions the node does not know
var ErrNotFound = errors.New("not found")

// AdminClient talks to the admin api of one or more nodes. Requests are
// spread round-robin over the endpoints; failed requests (connection errors
// and 5xx answers) are retried on the same endpoint.
type AdminClient struct {
	endpoints []*url.URL
	client    *retryablehttp.Client
	counter   atomic.Uint32
}

// NewAdminClient creates a client for the endpoints of config
func NewAdminClient(config common.ClientConfig) (*AdminClient, error) {
	if len(config.Endpoints) == 0 {
		return nil, errors.New("no endpoints configured")
	}

	// Parse each server URL
	parsed := make([]*url.URL, len(config.Endpoints))
	for i, endpoint := range config.Endpoints {
		if !strings.Contains(endpoint, "://") {
			endpoint = "http://" + endpoint
		}
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid endpoint %q", config.Endpoints[i])
		}
		parsed[i] = u
	}

	timeout := time.Duration(config.TimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := max(config.RetryCount, 0)

	return &AdminClient{
		endpoints: parsed,
		client: &retryablehttp.Client{
			HTTPClient: &http.Client{
				Timeout: timeout,
				Transport: &http.Transport{
					MaxIdleConns:        100,
					MaxIdleConnsPerHost: 10,
					IdleConnTimeout:     timeout,
				},
			},
			Logger:       leveledLogger{},
			RetryWaitMin: 50 * time.Millisecond,
			RetryWaitMax: time.Second,
			RetryMax:     retries,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
			Backoff:      retryablehttp.DefaultBackoff,
			// the last answer is decoded like any other
			ErrorHandler: retryablehttp.PassthroughErrorHandler,
		},
	}, nil
}

// Close releases idle connections
func (c *AdminClient) Close() {
	c.client.HTTPClient.CloseIdleConnections()
}

// --------------------------------------------------------------------------
// Backfills
// --------------------------------------------------------------------------

// StartBackfill starts a backfill of [start, end) from peer on the node and
// returns the session id
func (c *AdminClient) StartBackfill(ctx context.Context, peer common.PeerID, start, end string) (backfill.SessionID, error) {
	var res admin.BackfillStarted
	err := c.doJSON(ctx, http.MethodPost, "/backfill", nil, admin.BackfillRequest{Peer: peer, Start: start, End: end}, &res)
	return res.ID, err
}

// BackfillStatus returns the progress report of a session
func (c *AdminClient) BackfillStatus(ctx context.Context, id backfill.SessionID) (backfill.Report, error) {
	var rep backfill.Report
	err := c.doJSON(ctx, http.MethodGet, "/backfill/"+id.String(), nil, nil, &rep)
	return rep, err
}

// ListBackfills returns the reports of all sessions the node knows
func (c *AdminClient) ListBackfills(ctx context.Context) ([]backfill.Report, error) {
	var reps []backfill.Report
	err := c.doJSON(ctx, http.MethodGet, "/backfills", nil, nil, &reps)
	return reps, err
}

// WaitBackfill polls the report of a session until it has finished. All
// status requests must go to the node running the session.
func (c *AdminClient) WaitBackfill(ctx context.Context, id backfill.SessionID, poll time.Duration) (backfill.Report, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		rep, err := c.BackfillStatus(ctx, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return rep, err
		}
		if err == nil && rep.State.Finished() {
			return rep, nil
		}
		select {
		case <-ctx.Done():
			return rep, ctx.Err()
		case <-ticker.C:
		}
	}
}

// --------------------------------------------------------------------------
// Keys
// --------------------------------------------------------------------------

// Put writes a key
func (c *AdminClient) Put(ctx context.Context, key string, value []byte) (history.Version, error) {
	var res admin.WriteResult
	err := c.do(ctx, http.MethodPut, keyPath(key), nil, value, func(body []byte) error {
		return json.Unmarshal(body, &res)
	})
	return res.Version, err
}

// Get reads a key. The boolean is false if the key does not exist.
func (c *AdminClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := c.do(ctx, http.MethodGet, keyPath(key), nil, nil, func(body []byte) error {
		value = body
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	return value, err == nil, err
}

// Delete deletes a key
func (c *AdminClient) Delete(ctx context.Context, key string) (history.Version, error) {
	var res admin.WriteResult
	err := c.doJSON(ctx, http.MethodDelete, keyPath(key), nil, nil, &res)
	return res.Version, err
}

// --------------------------------------------------------------------------
// Node state
// --------------------------------------------------------------------------

// Metainfo returns the versions of [start, end)
func (c *AdminClient) Metainfo(ctx context.Context, start, end string) (history.Metainfo, error) {
	var meta history.Metainfo
	query := url.Values{"start": {start}, "end": {end}}
	err := c.doJSON(ctx, http.MethodGet, "/metainfo", query, nil, &meta)
	return meta, err
}

// Info returns statistics about the node
func (c *AdminClient) Info(ctx context.Context) (admin.NodeInfo, error) {
	var info admin.NodeInfo
	err := c.doJSON(ctx, http.MethodGet, "/info", nil, nil, &info)
	return info, err
}

// Metrics returns the node's metrics in the Prometheus text format
func (c *AdminClient) Metrics(ctx context.Context) (string, error) {
	var text string
	err := c.do(ctx, http.MethodGet, "/metrics", nil, nil, func(body []byte) error {
		text = string(body)
		return nil
	})
	return text, err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func keyPath(key string) string {
	return "/kv/" + url.PathEscape(key)
}

// next selects the endpoint of the next request via round-robin
func (c *AdminClient) next() *url.URL {
	idx := c.counter.Add(1) % uint32(len(c.endpoints))
	return c.endpoints[idx]
}

// doJSON sends body encoded as JSON (if not nil) and decodes the answer into out
func (c *AdminClient) doJSON(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return errors.Wrap(err, "encode request")
		}
	}
	return c.do(ctx, method, path, query, raw, func(data []byte) error {
		return json.Unmarshal(data, out)
	})
}

// do sends a request to the escaped path and hands the body of a 2xx answer
// to decode. Other answers are turned into errors carrying the node's message.
func (c *AdminClient) do(ctx context.Context, method, path string, query url.Values, body []byte, decode func([]byte) error) error {
	u := *c.next()
	escaped := strings.TrimSuffix(u.EscapedPath(), "/") + path
	unescaped, err := url.PathUnescape(escaped)
	if err != nil {
		return errors.Wrapf(err, "invalid path %q", path)
	}
	u.Path, u.RawPath = unescaped, escaped
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var rawBody interface{}
	if body != nil {
		rawBody = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), rawBody)
	if err != nil {
		return errors.Wrap(err, "create request")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, u.Host)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			Logger.Errorf("Failed to close response body: %v", err)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := decode(data); err != nil {
			return errors.Wrap(err, "decode response")
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrap(ErrNotFound, remoteMessage(data, resp.Status))
	default:
		return errors.Newf("%s %s: %s", method, path, remoteMessage(data, resp.Status))
	}
}

// remoteMessage extracts the message of an admin.ErrorResponse
func remoteMessage(data []byte, status string) string {
	var e admin.ErrorResponse
	if err := json.Unmarshal(data, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return fmt.Sprintf("http error: %s", status)
}

// leveledLogger forwards the retry logs of retryablehttp
type leveledLogger struct{}

func (leveledLogger) Error(msg string, kv ...interface{}) { Logger.Errorf("%s %v", msg, kv) }
func (leveledLogger) Warn(msg string, kv ...interface{})  { Logger.Warningf("%s %v", msg, kv) }
func (leveledLogger) Info(msg string, kv ...interface{})  { Logger.Debugf("%s %v", msg, kv) }
func (leveledLogger) Debug(msg string, kv ...interface{}) { Logger.Debugf("%s %v", msg, kv) }
