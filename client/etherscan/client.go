package etherscan

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-errors/errors"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"github.com/walletscope/wallet-reporter/cache"
	"github.com/walletscope/wallet-reporter/lib/hexutils"
	"github.com/walletscope/wallet-reporter/lib/ratelimit"
	"github.com/walletscope/wallet-reporter/models"
)

const (
	// TransportRetries covers network-level flakiness inside retryablehttp;
	// the application retry loop above it handles upstream-reported errors.
	TransportRetries      = 3
	DefaultRequestTimeout = 30 * time.Second
	DefaultPageSize       = 1000
	DefaultResultWindow   = 10_000
	DefaultRetryMax       = 4
	DefaultBackoffBase    = 200 * time.Millisecond
	DefaultBackoffMax     = 3 * time.Second

	workerPoolSize = 16
)

// Client fetches account transaction records from the external data source.
// Every outbound call goes through the shared rate limiter, and every fetch
// unit consults the tiered cache before touching upstream.
type Client struct {
	log     *slog.Logger
	client  *retryablehttp.Client
	limiter *ratelimit.Limiter
	cache   *cache.Tiered
	wrkPool *ants.Pool
	cfg     Config
}

func NewClient(log *slog.Logger, cfg Config, limiter *ratelimit.Limiter, tiered *cache.Tiered) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.Errorf("upstream URL is required")
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.ResultWindow == 0 {
		cfg.ResultWindow = DefaultResultWindow
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = DefaultRetryMax
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	client := retryablehttp.NewClient()
	client.RetryMax = TransportRetries
	client.Logger = log
	checkRetry := func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		yes, err2 := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		if yes {
			if resp == nil {
				log.Warn("Retrying upstream request", "error", err2)
			} else {
				log.Warn("Retrying upstream request", "statusCode", resp.Status, "error", err2)
			}
		}
		return yes, err2
	}
	client.CheckRetry = checkRetry
	client.Backoff = retryablehttp.LinearJitterBackoff
	client.HTTPClient.Timeout = cfg.RequestTimeout

	wrkPool, err := ants.NewPool(workerPoolSize)
	if err != nil {
		return nil, errors.Errorf("failed to create worker pool: %w", err)
	}

	return &Client{
		log:     log.With("module", "etherscan"),
		client:  client,
		limiter: limiter,
		cache:   tiered,
		wrkPool: wrkPool,
		cfg:     cfg,
	}, nil
}

// BlockNumber reads the current chain height through the proxy action, with
// a short volatile-tier read-through so submission bursts do not spend
// rate-limit tokens on it.
func (c *Client) BlockNumber(ctx context.Context) (int64, error) {
	if height, ok := c.cache.Height(ctx); ok {
		return height, nil
	}
	if err := c.limiter.Acquire(ctx); err != nil {
		return 0, err
	}

	t0 := time.Now()
	params := url.Values{}
	params.Set("chainid", "1")
	params.Set("module", "proxy")
	params.Set("action", "eth_blockNumber")
	resp, err := c.doGet(ctx, params)
	if err != nil {
		observeRequestErr("eth_blockNumber", err, t0)
		return 0, err
	}
	observeRequest("eth_blockNumber", "ok", t0)

	var result string
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return 0, errors.Errorf("failed to decode chain height: %w", err)
	}
	height, err := hexutils.IntFromHex(result)
	if err != nil {
		return 0, err
	}
	c.cache.StoreHeight(ctx, height)
	return height, nil
}

// AccountRecords fetches the complete, ordered record set for one
// (wallet, type, range) unit. The range is half-open; height drives the
// finality decision on the cache write path.
func (c *Client) AccountRecords(
	ctx context.Context, wallet string, typ models.TxType, rng models.BlockRange, height int64,
) ([]models.Record, error) {
	key := cache.Key{Wallet: wallet, Type: typ, Range: rng}
	if records, ok := c.cache.Records(ctx, key); ok {
		return records, nil
	}

	action, ok := actions[typ]
	if !ok {
		return nil, &models.ValidationError{Msg: "unknown transaction type " + string(typ)}
	}

	records := make([]models.Record, 0)
	seen := make(map[models.RecordKey]struct{})
	for page := 1; ; page++ {
		// The upstream rejects page*offset beyond its result window; within
		// one bounded segment this should not trigger, but an open-ended
		// direct query can.
		if page*c.cfg.PageSize > c.cfg.ResultWindow {
			return nil, errors.Errorf("%s %s for %s: %w", typ, rng, wallet, models.ErrDatasetTooLarge)
		}
		rows, err := c.pageWithRetry(ctx, action, wallet, rng, page)
		if err != nil {
			return nil, err
		}
		for _, raw := range rows {
			rec, err := normalizeRecord(raw, typ)
			if err != nil {
				c.log.Warn("Skipping malformed upstream record",
					"action", action,
					"hash", raw.Hash,
					"error", err,
				)
				continue
			}
			if _, dup := seen[rec.Key()]; dup {
				continue
			}
			seen[rec.Key()] = struct{}{}
			records = append(records, rec)
		}
		if len(rows) < c.cfg.PageSize {
			break
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Key().Compare(records[j].Key()) < 0
	})
	if err := c.cache.StoreRecords(ctx, key, records, height); err != nil {
		return nil, err
	}
	return records, nil
}

// AllAccountRecords fans the record types out concurrently over the shared
// worker pool and returns the per-type result sets.
func (c *Client) AllAccountRecords(
	ctx context.Context, wallet string, rng models.BlockRange, height int64,
) (map[models.TxType][]models.Record, error) {
	types := models.AllTxTypes()
	results := make([][]models.Record, len(types))

	group, ctx := errgroup.WithContext(ctx)
	for i, typ := range types {
		i, typ := i, typ
		group.Go(func() error {
			errCh := make(chan error, 1)
			if err := c.wrkPool.Submit(func() {
				defer close(errCh)
				records, err := c.AccountRecords(ctx, wallet, typ, rng, height)
				if err != nil {
					errCh <- err
					return
				}
				results[i] = records
				errCh <- nil
			}); err != nil {
				return errors.Errorf("failed to submit %s fetch: %w", typ, err)
			}
			return <-errCh
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	byType := make(map[models.TxType][]models.Record, len(types))
	for i, typ := range types {
		byType[typ] = results[i]
	}
	return byType, nil
}

// pageWithRetry runs one page call under the application retry loop:
// exponential backoff with jitter for transient failures, immediate return
// for permanent ones, UpstreamUnavailable once the ceiling is exhausted.
func (c *Client) pageWithRetry(
	ctx context.Context, action string, wallet string, rng models.BlockRange, page int,
) ([]accountTx, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(c.cfg.BackoffBase, c.cfg.BackoffMax, attempt)
			c.log.Warn("Retrying upstream page",
				"action", action,
				"range", rng.String(),
				"page", page,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		rows, err := c.accountPage(ctx, action, wallet, rng, page)
		if err == nil {
			return rows, nil
		}
		if permanent(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, &models.UpstreamUnavailableError{Attempts: c.cfg.RetryMax + 1, Err: lastErr}
}

func permanent(err error) bool {
	var vErr *models.ValidationError
	if errors.As(err, &vErr) {
		return true
	}
	return errors.Is(err, models.ErrDatasetTooLarge) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// accountPage performs a single account query page call and classifies the
// upstream envelope.
func (c *Client) accountPage(
	ctx context.Context, action string, wallet string, rng models.BlockRange, page int,
) ([]accountTx, error) {
	t0 := time.Now()
	params := url.Values{}
	params.Set("chainid", "1")
	params.Set("module", "account")
	params.Set("action", action)
	params.Set("address", wallet)
	params.Set("startblock", strconv.FormatInt(rng.Start, 10))
	// The wire format uses inclusive block bounds.
	params.Set("endblock", strconv.FormatInt(rng.End-1, 10))
	params.Set("page", strconv.Itoa(page))
	params.Set("offset", strconv.Itoa(c.cfg.PageSize))
	params.Set("sort", "asc")

	resp, err := c.doGet(ctx, params)
	if err != nil {
		observeRequestErr(action, err, t0)
		return nil, err
	}

	message := strings.ToLower(resp.Message)
	resultText := strings.ToLower(strings.Trim(string(resp.Result), `"`))
	switch {
	case resp.Status == "1":
		var rows []accountTx
		if err := json.Unmarshal(resp.Result, &rows); err != nil {
			observeRequest(action, "decode_error", t0)
			return nil, errors.Errorf("failed to decode %s result: %w", action, err)
		}
		observeRequest(action, "ok", t0)
		return rows, nil

	case strings.Contains(message, "no transactions found"):
		observeRequest(action, "ok", t0)
		return nil, nil

	case strings.Contains(message, "rate limit") || strings.Contains(resultText, "rate limit"):
		observeRequest(action, "rate_limited", t0)
		return nil, models.ErrUpstreamRateLimited

	case strings.Contains(message, "result window is too large") ||
		strings.Contains(resultText, "result window is too large") ||
		strings.Contains(resultText, "offset size must be less"):
		observeRequest(action, "result_window", t0)
		return nil, models.ErrDatasetTooLarge

	case strings.Contains(resultText, "invalid address") || strings.Contains(message, "invalid address"):
		observeRequest(action, "invalid_address", t0)
		return nil, &models.ValidationError{Msg: "upstream rejected wallet address"}

	default:
		observeRequest(action, "upstream_error", t0)
		return nil, errors.Errorf("upstream error for %s: %s", action, resp.Message)
	}
}

func (c *Client) doGet(ctx context.Context, params url.Values) (*apiResponse, error) {
	params.Set("apikey", c.cfg.APIKey)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("upstream responded with status code %d", resp.StatusCode)
	}
	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, errors.Errorf("failed to decode upstream response: %w", err)
	}
	return &envelope, nil
}

func (c *Client) Close() error {
	c.wrkPool.Release()
	return nil
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt-1)
	if delay > max {
		delay = max
	}
	return delay + time.Duration(rand.Int63n(int64(base)))
}
