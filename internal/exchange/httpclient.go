// httpclient.go implements C2: a signed REST client shared by every
// adapter. It owns rate-limit gating, retry/backoff, and translation of
// HTTP outcomes onto the xerrors taxonomy. Adapters supply a Signer that
// knows their venue's canonical-payload and header conventions.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"coinflow-trader/internal/xerrors"
)

// Signer computes the authentication headers for one request. Each venue
// implements this once (HMAC-SHA256, HMAC-SHA512, ed25519, ...); the
// HTTPClient is otherwise venue-agnostic.
type Signer interface {
	// Sign returns the headers required to authenticate the request.
	// Venues that sign over query parameters may also add fields (a
	// timestamp, nonce or signature) to a non-nil query map in place.
	// method and path are as sent on the wire; body is the
	// already-marshaled request payload, or nil for bodyless requests.
	Sign(method, path string, query map[string]string, body []byte) (headers map[string]string, err error)
}

const (
	maxRetries      = 3
	baseRetryWait   = 1 * time.Second
	retryWaitFactor = 2
	requestTimeout  = 30 * time.Second
)

// HTTPClient is the shared, per-adapter signed REST client.
type HTTPClient struct {
	http   *resty.Client
	rl     *RateLimiter
	signer Signer
	venue  string
	logger *slog.Logger
}

// NewHTTPClient builds a signed REST client for one venue. Dry-run
// short-circuiting of order placement happens above this layer, in the
// execution engine (C11) — the one place that knows an order's full
// intent — rather than here, where a mutating call carries nothing but
// an opaque method/path/body.
func NewHTTPClient(venue, baseURL string, rl *RateLimiter, signer Signer, logger *slog.Logger) *HTTPClient {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetHeader("Content-Type", "application/json")

	return &HTTPClient{
		http:   http,
		rl:     rl,
		signer: signer,
		venue:  venue,
		logger: logger,
	}
}

// RequestOptions configures one call through Request.
type RequestOptions struct {
	Method       string
	Path         string
	Query        map[string]string
	Body         []byte
	AuthRequired bool
	Class        EndpointClass
	Result       any
	// Mutating marks placement/cancel calls: on a read-timeout-after-send
	// the client surfaces ErrUncertainPlacement instead of retrying.
	Mutating bool
}

// Request performs one signed, rate-limited, retried HTTP call, mapping
// the outcome onto the xerrors taxonomy.
func (c *HTTPClient) Request(ctx context.Context, opts RequestOptions) ([]byte, error) {
	if err := c.rl.Wait(ctx, opts.Class); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "rate limit wait cancelled", err).WithVenue(c.venue)
	}

	var headers map[string]string
	if opts.AuthRequired {
		h, err := c.signer.Sign(opts.Method, opts.Path, opts.Query, opts.Body)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindAuth, "signing request", err).WithVenue(c.venue)
		}
		headers = h
	}

	wait := baseRetryWait
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, xerrors.Wrap(xerrors.KindNetwork, "context cancelled during retry backoff", ctx.Err()).WithVenue(c.venue)
			case <-time.After(wait):
			}
			wait *= retryWaitFactor
		}

		req := c.http.R().SetContext(ctx).SetHeaders(headers).SetQueryParams(opts.Query)
		if opts.Result != nil {
			req = req.SetResult(opts.Result)
		}
		if opts.Body != nil {
			req = req.SetBody(opts.Body)
		}

		resp, err := req.Execute(opts.Method, opts.Path)
		if err != nil {
			if opts.Mutating && isAmbiguousSendError(err) {
				return nil, xerrors.Wrap(xerrors.KindUncertainPlacement, "no response received after send", err).WithVenue(c.venue)
			}
			lastErr = xerrors.Wrap(xerrors.KindNetwork, "request failed", err).WithVenue(c.venue)
			continue
		}

		switch {
		case resp.StatusCode() == http.StatusTooManyRequests:
			if retryAfter := parseRetryAfter(resp.Header().Get("Retry-After")); retryAfter > 0 {
				wait = retryAfter
			}
			lastErr = xerrors.New(xerrors.KindRateLimited, fmt.Sprintf("venue returned 429: %s", resp.String())).WithVenue(c.venue)
			continue
		case resp.StatusCode() >= 500:
			lastErr = xerrors.New(xerrors.KindNetwork, fmt.Sprintf("venue returned %d: %s", resp.StatusCode(), resp.String())).WithVenue(c.venue)
			continue
		case resp.StatusCode() >= 400:
			return nil, xerrors.New(xerrors.KindInvalidOrder, fmt.Sprintf("venue rejected request: %d: %s", resp.StatusCode(), resp.String())).WithVenue(c.venue)
		}

		return resp.Body(), nil
	}

	return nil, lastErr
}

// isAmbiguousSendError reports whether err indicates the request may have
// reached the venue even though no response was read — a network-level
// timeout or connection reset after the bytes were written, as opposed
// to a dial failure where nothing could possibly have been sent.
func isAmbiguousSendError(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}
