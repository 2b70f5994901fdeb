package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrSessionGone means the server no longer knows the session. The caller
// treats the attempt as already finished instead of retrying.
var ErrSessionGone = errors.New("session is no longer known to the server")

// RecordPayload mirrors the /api/record request body.
type RecordPayload struct {
	SessionID       string     `json:"session_id"`
	ImageID         string     `json:"image_id"`
	Answer          string     `json:"answer"`
	OrderIndex      int        `json:"order_index"`
	ElapsedMSItem   int64      `json:"elapsed_ms_item"`
	ElapsedMSGlobal int64      `json:"elapsed_ms_global"`
	Skipped         bool       `json:"skipped"`
	ItemTimeout     bool       `json:"item_timeout"`
	TSClient        *time.Time `json:"ts_client,omitempty"`
	UserAgent       string     `json:"user_agent,omitempty"`
}

// FinishPayload mirrors the /api/session/finish request body.
type FinishPayload struct {
	SessionID      string `json:"session_id"`
	TotalElapsedMS *int64 `json:"total_elapsed_ms,omitempty"`
}

// FinishAck is the server's finish response.
type FinishAck struct {
	AlreadyCompleted bool `json:"already_completed"`
}

// Submitter carries engine answers to the server. Submissions are
// at-least-once; the server's overwrite semantics make retries idempotent.
type Submitter interface {
	SubmitRecord(ctx context.Context, p RecordPayload) error
	Finish(ctx context.Context, p FinishPayload) (*FinishAck, error)
}

// HTTPSubmitter posts to the study API with a bounded retry policy, so a
// failed submission is always surfaced to the caller within the bound.
type HTTPSubmitter struct {
	BaseURL string
	Client  *http.Client
	// Retries is the number of attempts after the first; Backoff is the
	// delay between attempts. Zero values mean one attempt, no delay.
	Retries int
	Backoff time.Duration
}

func NewHTTPSubmitter(baseURL string) *HTTPSubmitter {
	return &HTTPSubmitter{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
		Retries: 2,
		Backoff: 500 * time.Millisecond,
	}
}

func (s *HTTPSubmitter) SubmitRecord(ctx context.Context, p RecordPayload) error {
	_, err := s.post(ctx, "/api/record", p)
	return err
}

func (s *HTTPSubmitter) Finish(ctx context.Context, p FinishPayload) (*FinishAck, error) {
	body, err := s.post(ctx, "/api/session/finish", p)
	if err != nil {
		return nil, err
	}
	var ack FinishAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, fmt.Errorf("decode finish response: %w", err)
	}
	return &ack, nil
}

func (s *HTTPSubmitter) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 0; attempt <= s.Retries; attempt++ {
		if attempt > 0 && s.Backoff > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.Backoff):
			}
		}
		body, retryable, err := s.once(ctx, path, data)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (s *HTTPSubmitter) once(ctx context.Context, path string, data []byte) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	switch {
	case resp.StatusCode < 300:
		return body, false, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, ErrSessionGone
	case resp.StatusCode == http.StatusConflict:
		var payload struct {
			Remaining int `json:"remaining"`
		}
		_ = json.Unmarshal(body, &payload)
		return nil, false, &IncompleteError{Remaining: payload.Remaining}
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("%s: server error %d", path, resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
}
