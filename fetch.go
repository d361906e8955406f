package tggl

import (
	"context"
	"encoding/json"

	"github.com/tggl-io/tggl-go-client/flagengine"
)

// fetchConfig runs one fetch cycle: iterate the configured base URLs in
// priority order, attempting each up to maxRetries+1 times with capped
// exponential backoff, and publish the first successful response. A
// result whose version was superseded mid-flight is discarded; the
// refresher re-runs the cycle so the latest intent still lands.
func (c *Client) fetchConfig(ctx context.Context, version int64) {
	b := newBackoff()
	var lastErr error
	for _, baseURL := range c.config.baseURLs {
		for attempt := 0; attempt <= c.config.maxRetries; attempt++ {
			if attempt > 0 {
				b.wait(ctx)
			}
			if ctx.Err() != nil {
				return
			}
			config, err := c.fetchOnce(ctx, baseURL)
			if err != nil {
				lastErr = err
				c.log.Debug("config fetch attempt failed",
					"url", baseURL,
					"attempt", attempt+1,
					"error", err,
				)
				continue
			}
			if c.refresher.currentVersion() != version {
				// Superseded while in flight, drop the result.
				return
			}
			c.fetchedOnce.Store(true)
			c.publish(config, false)
			c.onFetchOK.emit(struct{}{})
			return
		}
		b.reset()
	}
	if lastErr == nil {
		return
	}
	c.setLastError(lastErr)
	c.log.Error("config fetch failed on all endpoints", "error", lastErr)
	c.onError.emit(lastErr)
}

// fetchOnce performs a single GET {base}/config request and decodes the
// flag list. Flags without a slug are skipped.
func (c *Client) fetchOnce(ctx context.Context, baseURL string) (map[string]*flagengine.Flag, error) {
	resp, err := c.client.NewRequest().
		SetContext(ctx).
		Get(baseURL + "/config")
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp.IsError() {
		return nil, newServerError(resp.StatusCode(), resp.Body())
	}

	var flags []*flagengine.Flag
	if err := json.Unmarshal(resp.Body(), &flags); err != nil {
		return nil, &MalformedResponseError{Reason: "expected a JSON array of flags: " + err.Error()}
	}
	if flags == nil {
		// A JSON null body decodes without error; treating it as an empty
		// config would wipe the published snapshot.
		return nil, &MalformedResponseError{Reason: "expected a JSON array of flags, got null"}
	}

	config := make(map[string]*flagengine.Flag, len(flags))
	for _, flag := range flags {
		if flag == nil || flag.Slug == "" {
			continue
		}
		config[flag.Slug] = flag
	}
	return config, nil
}

// newServerError decodes the optional {error} body of a non-2xx
// response.
func newServerError(statusCode int, body []byte) *ServerError {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)
	return &ServerError{StatusCode: statusCode, Message: payload.Error}
}
