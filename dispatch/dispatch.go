// Package dispatch executes one HTTP invocation against an endpoint and
// classifies the result. It never touches the schedule: the scheduler owns
// run rows and the governor owns what happens next.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rubato-io/rubato/config"
	"github.com/rubato-io/rubato/errors"
	"github.com/rubato-io/rubato/internal/httpclient"
	"github.com/rubato-io/rubato/store"
)

// defaultMaxResponseKb caps response reads for endpoints that set no
// explicit max_response_size_kb, so a misbehaving upstream cannot balloon
// the runs table.
const defaultMaxResponseKb = 512

// errTooLarge is the error message recorded when a response overflows the
// size cap.
const errTooLarge = "response_too_large"

// bodyTruncateChars bounds stored non-JSON bodies.
const bodyTruncateChars = 1000

// Outcome is the classified result of one dispatch.
type Outcome struct {
	Status       store.RunStatus
	DurationMs   int64
	StatusCode   *int
	ResponseBody *string
	ErrorMessage *string
}

// Dispatcher executes endpoint requests through the SSRF-guarded client.
type Dispatcher struct {
	client         *httpclient.Client
	defaultTimeout time.Duration
	log            *zap.SugaredLogger
}

// New builds a dispatcher from config.
func New(cfg config.DispatchConfig, log *zap.SugaredLogger) *Dispatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		client: httpclient.New(httpclient.Options{
			AllowPrivateNetworks: cfg.AllowPrivateNetworks,
			MaxRedirects:         cfg.MaxRedirects,
		}),
		defaultTimeout: cfg.DefaultTimeout(),
		log:            log,
	}
}

// Execute performs the endpoint's request and classifies the outcome:
// 2xx is success, a blown deadline is timeout, anything else is failed.
// The effective deadline is the smaller of the endpoint timeout (or the
// configured default) and maxExecutionTimeMs, and covers redirects and the
// body read. The error is encoded in the Outcome, never returned: a failed
// dispatch is a recorded result, not a scheduler fault.
func (d *Dispatcher) Execute(ctx context.Context, e *store.Endpoint) Outcome {
	deadline := d.effectiveDeadline(e)
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()

	req, err := buildRequest(ctx, e)
	if err != nil {
		return failure(store.RunStatusFailed, start, nil, err.Error())
	}

	resp, err := d.client.Do(req)
	if err != nil {
		status := store.RunStatusFailed
		if isTimeout(err) {
			status = store.RunStatusTimeout
		}
		return failure(status, start, nil, err.Error())
	}
	defer resp.Body.Close()

	maxBytes := int64(defaultMaxResponseKb) * 1024
	if e.MaxResponseSizeKb != nil {
		maxBytes = *e.MaxResponseSizeKb * 1024
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		status := store.RunStatusFailed
		if isTimeout(err) {
			status = store.RunStatusTimeout
		}
		return failure(status, start, &resp.StatusCode, fmt.Sprintf("reading response body: %v", err))
	}
	if int64(len(raw)) > maxBytes {
		return failure(store.RunStatusFailed, start, &resp.StatusCode, errTooLarge)
	}

	duration := time.Since(start).Milliseconds()
	body := storableBody(raw)
	out := Outcome{
		DurationMs:   duration,
		StatusCode:   &resp.StatusCode,
		ResponseBody: body,
	}
	if resp.StatusCode/100 == 2 {
		out.Status = store.RunStatusSuccess
	} else {
		out.Status = store.RunStatusFailed
		msg := fmt.Sprintf("http status %d", resp.StatusCode)
		out.ErrorMessage = &msg
	}
	d.log.Debugw("Dispatched endpoint",
		"endpoint_id", e.ID,
		"status", out.Status,
		"status_code", resp.StatusCode,
		"duration_ms", duration,
	)
	return out
}

func (d *Dispatcher) effectiveDeadline(e *store.Endpoint) time.Duration {
	deadline := d.defaultTimeout
	if e.TimeoutMs != nil {
		deadline = time.Duration(*e.TimeoutMs) * time.Millisecond
	}
	if e.MaxExecutionTimeMs != nil {
		if hard := time.Duration(*e.MaxExecutionTimeMs) * time.Millisecond; hard < deadline {
			deadline = hard
		}
	}
	return deadline
}

func buildRequest(ctx context.Context, e *store.Endpoint) (*http.Request, error) {
	var body io.Reader
	if e.Body != nil {
		body = strings.NewReader(*e.Body)
	}
	req, err := http.NewRequestWithContext(ctx, e.Method, e.URL, body)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	for k, v := range e.Headers {
		req.Header.Set(k, v)
	}
	if e.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// storableBody keeps valid JSON verbatim (it is already size-capped) and
// truncates anything else to a bounded string.
func storableBody(raw []byte) *string {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		s := string(raw)
		return &s
	}
	s := truncate(string(raw), bodyTruncateChars)
	return &s
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string { return truncate(s, n) }

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func failure(status store.RunStatus, start time.Time, code *int, msg string) Outcome {
	return Outcome{
		Status:       status,
		DurationMs:   time.Since(start).Milliseconds(),
		StatusCode:   code,
		ErrorMessage: &msg,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
