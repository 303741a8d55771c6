package netclient

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"PedMedClient/logger"
	"PedMedClient/tools/errs"
)

// Result is the normalized outcome of a request. Transport errors never
// escape as raw exceptions: callers see this shape plus a classified error.
type Result struct {
	Success   bool
	Status    int             // HTTP status, 0 when the request never completed
	Data      json.RawMessage // response body (full structured payload on 409)
	ErrMsg    string          // human-readable failure, extracted from message/error fields
	FromCache bool
}

// Options tune one request.
type Options struct {
	CacheKey string        // non-empty enables the response cache for this call
	CacheTTL time.Duration // per-entry TTL, defaults to the client's DefaultTTL
	Timeout  time.Duration // overrides the client's hard timeout
	Headers  map[string]string
}

type Client struct {
	httpc      *http.Client
	cache      Cache
	group      singleflight.Group
	timeout    time.Duration
	defaultTTL time.Duration
	online     atomic.Bool
}

func New(timeout, defaultTTL time.Duration, cache Cache) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	c := &Client{
		httpc:      &http.Client{},
		cache:      cache,
		timeout:    timeout,
		defaultTTL: defaultTTL,
	}
	c.online.Store(true)
	return c
}

// SetOnline records connectivity as observed by the caller (the
// navigator.onLine analog). The session validator consults it to avoid
// punishing users for lacking connectivity.
func (c *Client) SetOnline(online bool) { c.online.Store(online) }
func (c *Client) Online() bool          { return c.online.Load() }

// Cache exposes the shared cache so callers can invalidate entries.
func (c *Client) Cache() Cache { return c.cache }

// Do performs the request. Behaviour, in order:
//  1. fresh cache entry under opt.CacheKey -> returned immediately, FromCache.
//  2. an identical in-flight request (same method+URL) -> both callers share
//     one network call (singleflight drops the key when the call finishes, so
//     a failed request never wedges future identical ones).
//  3. hard timeout via context cancellation; timeouts surface as
//     errs.ErrTimeout, other transport failures as errs.ErrNetwork.
//
// Non-2xx responses come back as Result{Success:false} with a nil error: they
// are protocol outcomes, not exceptions. A 409 keeps the full structured body
// in Data because the caller needs the device list.
func (c *Client) Do(ctx context.Context, method, url string, body any, opt *Options) (*Result, error) {
	if opt == nil {
		opt = &Options{}
	}

	if opt.CacheKey != "" {
		if raw, ok := c.cache.Get(ctx, opt.CacheKey); ok {
			logger.Debugf("[NetClient] cache hit key=%s", opt.CacheKey)
			return &Result{Success: true, Status: http.StatusOK, Data: raw, FromCache: true}, nil
		}
	}

	key := method + " " + url
	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		return c.dispatch(ctx, method, url, body, opt)
	})
	if shared {
		logger.Debugf("[NetClient] deduplicated request %s", key)
	}
	if v == nil {
		v = &Result{Success: false}
	}
	res := v.(*Result)
	return res, err
}

func (c *Client) dispatch(ctx context.Context, method, url string, body any, opt *Options) (*Result, error) {
	timeout := c.timeout
	if opt.Timeout > 0 {
		timeout = opt.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader *bytes.Reader
	if body != nil {
		raw, ok := body.([]byte)
		if !ok {
			var err error
			raw, err = json.Marshal(body)
			if err != nil {
				return &Result{Success: false, ErrMsg: err.Error()}, errs.Wrap(err)
			}
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return &Result{Success: false, ErrMsg: err.Error()}, errs.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range opt.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			logger.Warnf("[NetClient] timeout %s %s", method, url)
			return &Result{Success: false, ErrMsg: "request timeout"}, errs.ErrTimeout.WithDetail(url)
		}
		return &Result{Success: false, ErrMsg: err.Error()}, errs.ErrNetwork.WithDetail(err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := readAll(resp)
	if err != nil {
		return &Result{Success: false, Status: resp.StatusCode, ErrMsg: err.Error()},
			errs.ErrNetwork.WithDetail(err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res := &Result{Success: false, Status: resp.StatusCode}
		if json.Valid(raw) {
			res.Data = raw
		}
		// 409 carries the device-selection payload; keep it intact.
		if resp.StatusCode == http.StatusConflict {
			return res, nil
		}
		res.ErrMsg = extractErrMsg(raw, resp.Status)
		return res, nil
	}

	if opt.CacheKey != "" {
		ttl := opt.CacheTTL
		if ttl <= 0 {
			ttl = c.defaultTTL
		}
		// Write-back happens outside the request context so a deadline hit
		// right at the end cannot lose the entry.
		c.cache.Set(context.Background(), opt.CacheKey, raw, ttl)
	}

	return &Result{Success: true, Status: resp.StatusCode, Data: raw}, nil
}

// PostJSON posts body and unmarshals the response into out (when non-nil).
func (c *Client) PostJSON(ctx context.Context, url string, body, out any, opt *Options) (*Result, error) {
	res, err := c.Do(ctx, http.MethodPost, url, body, opt)
	if err != nil {
		return res, err
	}
	if out != nil && len(res.Data) > 0 {
		if uerr := json.Unmarshal(res.Data, out); uerr != nil {
			return res, errs.ErrPayload.WithDetail(uerr.Error())
		}
	}
	return res, nil
}

// GetJSON fetches url and unmarshals the response into out (when non-nil).
func (c *Client) GetJSON(ctx context.Context, url string, out any, opt *Options) (*Result, error) {
	res, err := c.Do(ctx, http.MethodGet, url, nil, opt)
	if err != nil {
		return res, err
	}
	if out != nil && len(res.Data) > 0 {
		if uerr := json.Unmarshal(res.Data, out); uerr != nil {
			return res, errs.ErrPayload.WithDetail(uerr.Error())
		}
	}
	return res, nil
}

func extractErrMsg(raw []byte, fallback string) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return fallback
}

func readAll(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
