// Package submit delivers queued actions to the trading backend over HTTP.
package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/agentworkforce/actionrelay/internal/actionqueue"
)

const (
	defaultTimeout   = 15 * time.Second
	duplicateCode    = "duplicate"
	actionPathFormat = "/v1/actions/{kind}"
)

var ErrInvalidConfig = errors.New("invalid submitter config")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Logger  logrus.FieldLogger
}

// HTTPSubmitter posts one action per request and maps the response onto the
// queue's outcome classes. It never retries on its own.
type HTTPSubmitter struct {
	client *resty.Client
	logger logrus.FieldLogger
}

type actionRequest struct {
	ID         string          `json:"id"`
	Seq        uint64          `json:"seq"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempt    int             `json:"attempt"`
}

func NewHTTPSubmitter(opts Options) (*HTTPSubmitter, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if token := strings.TrimSpace(opts.Token); token != "" {
		client.SetAuthToken(token)
	}
	return &HTTPSubmitter{client: client, logger: logger}, nil
}

func (s *HTTPSubmitter) Submit(ctx context.Context, action actionqueue.PendingAction) error {
	correlationID := correlationID()
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", action.ID).
		SetHeader("X-Correlation-Id", correlationID).
		SetPathParam("kind", string(action.Kind)).
		SetBody(actionRequest{
			ID:         action.ID,
			Seq:        action.Seq,
			Kind:       string(action.Kind),
			Payload:    action.Payload,
			EnqueuedAt: action.EnqueuedAt,
			Attempt:    action.Attempts + 1,
		}).
		Post(actionPathFormat)
	if err != nil {
		return &actionqueue.RetryableError{Reason: "transport error", Err: err}
	}
	return s.classify(action, correlationID, resp)
}

func (s *HTTPSubmitter) classify(action actionqueue.PendingAction, correlationID string, resp *resty.Response) error {
	status := resp.StatusCode()
	if status >= 200 && status <= 299 {
		return nil
	}
	body := resp.Body()
	httpErr := &HTTPError{
		StatusCode: status,
		Code:       gjson.GetBytes(body, "code").String(),
		Message:    gjson.GetBytes(body, "message").String(),
	}
	if httpErr.Message == "" {
		httpErr.Message = http.StatusText(status)
	}

	switch {
	case status == http.StatusConflict && httpErr.Code == duplicateCode:
		s.logger.WithFields(logrus.Fields{
			"id":            action.ID,
			"correlationId": correlationID,
		}).Debug("backend already applied action")
		return nil
	case isRetryableStatus(status):
		return &actionqueue.RetryableError{
			Reason:     fmt.Sprintf("http %d", status),
			RetryAfter: parseRetryAfter(resp.Header().Get("Retry-After")),
			Err:        httpErr,
		}
	case status >= 400 && status <= 499:
		code := httpErr.Code
		if code == "" {
			code = strconv.Itoa(status)
		}
		return &actionqueue.FatalError{Code: code, Reason: httpErr.Message}
	default:
		return &actionqueue.RetryableError{Reason: fmt.Sprintf("unexpected http %d", status), Err: httpErr}
	}
}

func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status >= 500 && status <= 599
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func correlationID() string {
	return "relay_" + uuid.NewString()
}
