package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/logshipper/internal/model"
	"github.com/Sumatoshi-tech/logshipper/internal/retry"
)

// DefaultRequestTimeout bounds a single POST, independent of the retry budget.
const DefaultRequestTimeout = 30 * time.Second

// successText is the acknowledgement the endpoint returns for a stored batch.
const successText = "Success"

// maxResponseBytes limits how much of a response body is read.
const maxResponseBytes = 64 << 10

// Configuration errors returned by NewHTTPClient.
var (
	ErrMissingEndpoint = errors.New("ingest endpoint URL is required")
	ErrMissingToken    = errors.New("ingest bearer token is required")
)

// errNotAcknowledged marks a 2xx response without the success sentinel. The
// request may have been stored, so it is not retried.
var errNotAcknowledged = errors.New("response did not acknowledge the batch")

// APIError represents a non-2xx HTTP response.
type APIError struct {
	StatusCode int
	// Body holds the first 512 bytes of the response.
	Body string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether retrying the request cannot succeed.
func (e *APIError) Permanent() bool {
	return Classify(e.StatusCode) == model.RejectedPermanently
}

// Classify maps an HTTP status code to a delivery outcome. Client errors
// are permanent except request timeout and rate limiting.
func Classify(status int) model.Outcome {
	switch {
	case status >= 200 && status < 300:
		return model.Accepted
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return model.TransientFailure
	case status >= 400 && status < 500:
		return model.RejectedPermanently
	default:
		return model.TransientFailure
	}
}

// ackResponse is the endpoint acknowledgement body.
type ackResponse struct {
	Text       string `json:"text"`
	EventCount int    `json:"eventCount"`
}

// rawRecord wraps an unstructured line so the request body stays JSON.
type rawRecord struct {
	RawString string `json:"@rawstring"`
}

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	URL   string
	Token string
	// RequestTimeout bounds each attempt. Zero selects DefaultRequestTimeout.
	RequestTimeout time.Duration
	// Policy controls retries. Its Retryable predicate is replaced.
	Policy retry.Policy
	// Doer overrides the underlying HTTP client, mainly for tests.
	Doer   *http.Client
	Logger *slog.Logger
}

// HTTPClient POSTs batches as JSON with bearer authorization.
type HTTPClient struct {
	url     string
	token   string
	timeout time.Duration
	policy  retry.Policy
	http    *http.Client
	logger  *slog.Logger
}

// NewHTTPClient validates opts and creates a client.
func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, ErrMissingEndpoint
	}

	u, err := url.Parse(opts.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute URL", ErrMissingEndpoint, opts.URL)
	}

	if strings.TrimSpace(opts.Token) == "" {
		return nil, ErrMissingToken
	}

	err = opts.Policy.Validate()
	if err != nil {
		return nil, fmt.Errorf("ingest retry policy: %w", err)
	}

	c := &HTTPClient{
		url:     opts.URL,
		token:   opts.Token,
		timeout: opts.RequestTimeout,
		policy:  opts.Policy,
		http:    opts.Doer,
		logger:  opts.Logger,
	}

	if c.timeout <= 0 {
		c.timeout = DefaultRequestTimeout
	}

	if c.http == nil {
		c.http = &http.Client{}
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}

	c.policy.Retryable = retryable

	return c, nil
}

func retryable(err error) bool {
	if errors.Is(err, errNotAcknowledged) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Permanent()
	}

	return true
}

// Send implements Client.
func (c *HTTPClient) Send(ctx context.Context, batch model.Batch) model.Result {
	if len(batch) == 0 {
		return model.Result{Outcome: model.Accepted}
	}

	body, err := EncodeBody(batch)
	if err != nil {
		return model.Result{Outcome: model.RejectedPermanently, Reason: err.Error()}
	}

	var (
		accepted int
		status   int
	)

	attempts, err := c.policy.Do(ctx, func(ctx context.Context) error {
		n, code, postErr := c.post(ctx, body)
		accepted, status = n, code

		return postErr
	}, func(err error, attempt int, wait time.Duration) {
		c.logger.WarnContext(ctx, "ingest attempt failed, retrying",
			"attempt", attempt, "wait", wait, "entries", len(batch), "error", err)
	})

	res := model.Result{Attempts: attempts, StatusCode: status}

	if err == nil {
		res.Outcome = model.Accepted
		res.AcceptedCount = accepted

		return res
	}

	res.Reason = truncate(err.Error())

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Permanent() {
		res.Outcome = model.RejectedPermanently

		return res
	}

	res.Outcome = model.TransientFailure

	return res
}

// post performs one attempt and returns the acknowledged event count and
// the status code, if a response arrived.
func (c *HTTPClient) post(ctx context.Context, body []byte) (int, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if Classify(resp.StatusCode) == model.Accepted {
		var ack ackResponse

		err = json.Unmarshal(data, &ack)
		if err != nil || ack.Text != successText || ack.EventCount <= 0 {
			return 0, resp.StatusCode, fmt.Errorf("%w: HTTP %d: %s", errNotAcknowledged, resp.StatusCode, truncate(string(data)))
		}

		return ack.EventCount, resp.StatusCode, nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Body: truncate(string(data))}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		return 0, resp.StatusCode, retry.After(apiErr, retryAfter(resp.Header.Get("Retry-After"), time.Now()))
	}

	return 0, resp.StatusCode, apiErr
}

// retryAfter parses a Retry-After value given either in seconds or as an
// HTTP date. Unparseable values yield zero.
func retryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}

	return 0
}

// EncodeBody renders a batch as the request body: a single object for a
// batch of one, an array otherwise. Raw entries, and any entry that is not
// a JSON object, are wrapped in an "@rawstring" record.
func EncodeBody(batch model.Batch) ([]byte, error) {
	records := make([]json.RawMessage, 0, len(batch))

	for _, e := range batch {
		if !e.Raw && model.IsRecord(e.Data) {
			records = append(records, json.RawMessage(e.Data))

			continue
		}

		wrapped, err := json.Marshal(rawRecord{RawString: string(e.Data)})
		if err != nil {
			return nil, fmt.Errorf("encode raw entry: %w", err)
		}

		records = append(records, wrapped)
	}

	if len(records) == 1 {
		return records[0], nil
	}

	data, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	return data, nil
}
