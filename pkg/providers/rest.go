package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/goccy/go-json"
	"github.com/jmespath/go-jmespath"

	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
)

// MaxResponseSize caps how much of a provider response is read.
const MaxResponseSize = 5 * 1024 * 1024

// apiError is a provider response with an unexpected status.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// restClient is the JSON-over-HTTP client used by the Zoom and Graph adapters.
type restClient struct {
	provider models.Provider
	baseURL  string
	http     *http.Client
	logger   ectologger.Logger
}

type restRequest struct {
	op      string
	method  string
	path    string
	body    any
	headers map[string]string
	expect  []int
}

// do sends req with accessToken and returns the body when the status is one of req.expect.
// A path starting with http is used as an absolute URL (paging links).
func (c *restClient) do(ctx context.Context, accessToken string, req restRequest) ([]byte, int, error) {
	url := req.path
	if !strings.HasPrefix(url, "http") {
		url = strings.TrimSuffix(c.baseURL, "/") + req.path
	}

	var body io.Reader
	if req.body != nil {
		payload, err := json.Marshal(req.body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to encode %s request: %w", req.op, err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, url, body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := bearerClient(c.http, accessToken).Do(httpReq)
	if err != nil {
		metrics.RecordProviderRequest(string(c.provider), req.op, 0, time.Since(start))
		c.logger.WithContext(ctx).WithError(err).Warnf("%s %s request failed", c.provider, req.op)
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	metrics.RecordProviderRequest(string(c.provider), req.op, resp.StatusCode, time.Since(start))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(raw) > MaxResponseSize {
		return nil, resp.StatusCode, fmt.Errorf("response body too large (max %d bytes)", MaxResponseSize)
	}

	c.logger.WithContext(ctx).Debugf("%s %s %s -> %d (%s)", c.provider, req.method, req.op, resp.StatusCode, time.Since(start))

	for _, code := range req.expect {
		if resp.StatusCode == code {
			return raw, resp.StatusCode, nil
		}
	}
	return raw, resp.StatusCode, &apiError{Status: resp.StatusCode, Body: truncate(string(raw), 512)}
}

func errMissingField(field string, cause error) error {
	if cause != nil {
		return fmt.Errorf("failed to read %s from response: %w", field, cause)
	}
	return fmt.Errorf("response has no %s", field)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var (
	compiledMu sync.RWMutex
	compiled   = map[string]*jmespath.JMESPath{}
)

func compile(expression string) (*jmespath.JMESPath, error) {
	compiledMu.RLock()
	expr, ok := compiled[expression]
	compiledMu.RUnlock()
	if ok {
		return expr, nil
	}

	expr, err := jmespath.Compile(expression)
	if err != nil {
		return nil, err
	}
	compiledMu.Lock()
	compiled[expression] = expr
	compiledMu.Unlock()
	return expr, nil
}

// extractString evaluates a JMESPath expression against a JSON document and renders the result as
// a string. Numbers keep their exact digits.
func extractString(raw []byte, expression string) (string, error) {
	expr, err := compile(expression)
	if err != nil {
		return "", err
	}

	var doc any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	value, err := expr.Search(doc)
	if err != nil {
		return "", err
	}
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	default:
		return fmt.Sprint(v), nil
	}
}
