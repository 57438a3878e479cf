// Package notify delivers check results to a Discord-compatible
// webhook. Delivery is fire-and-forget: a failed POST is logged by the
// caller and never alters the run's recorded outcome.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/use-agent/plexwatch/models"
)

// payload is the JSON body for plain (no attachment) deliveries.
type payload struct {
	Content  string `json:"content"`
	Username string `json:"username"`
}

// Notifier posts formatted check results to one webhook URL.
type Notifier struct {
	url     string
	botName string
	client  *http.Client
}

// New creates a Notifier for the given webhook URL.
func New(url, botName string) *Notifier {
	return &Notifier{
		url:     url,
		botName: botName,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Notify formats the result and POSTs it to the webhook. When the
// result carries a screenshot that exists on disk, the first one is
// attached as a multipart file upload; otherwise a plain JSON payload
// is sent. No retry on failure.
func (n *Notifier) Notify(ctx context.Context, result models.CheckResult) error {
	message := FormatMessage(result)

	var screenshot string
	for _, path := range result.Screenshots {
		if _, err := os.Stat(path); err == nil {
			screenshot = path
			break
		}
	}

	var req *http.Request
	var err error
	if screenshot != "" {
		req, err = n.multipartRequest(ctx, message, screenshot)
	} else {
		req, err = n.jsonRequest(ctx, message)
	}
	if err != nil {
		return err
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) jsonRequest(ctx context.Context, message string) (*http.Request, error) {
	body, err := json.Marshal(payload{Content: message, Username: n.botName})
	if err != nil {
		return nil, fmt.Errorf("notify: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("notify: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (n *Notifier) multipartRequest(ctx context.Context, message, screenshot string) (*http.Request, error) {
	f, err := os.Open(screenshot)
	if err != nil {
		return nil, fmt.Errorf("notify: open screenshot: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("content", message); err != nil {
		return nil, fmt.Errorf("notify: write content field: %w", err)
	}
	if err := w.WriteField("username", n.botName); err != nil {
		return nil, fmt.Errorf("notify: write username field: %w", err)
	}
	part, err := w.CreateFormFile("file", filepath.Base(screenshot))
	if err != nil {
		return nil, fmt.Errorf("notify: create file part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("notify: copy screenshot: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("notify: finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, &buf)
	if err != nil {
		return nil, fmt.Errorf("notify: create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, nil
}

// FormatMessage renders a result as the human-readable webhook message.
func FormatMessage(result models.CheckResult) string {
	ts := result.Timestamp.Format("2006-01-02 15:04:05")

	var header, detail string
	switch result.Outcome {
	case models.OutcomeSuccess:
		header = "✅ **Web Interface OK** ✅"
		detail = fmt.Sprintf("%s is accessible at %s", result.Target, ts)
	case models.OutcomeUnexpectedError:
		header = "⚠️ **Monitor Error** ⚠️"
		detail = fmt.Sprintf("Check of %s hit an internal error at %s", result.Target, ts)
	default:
		header = "⚠️ **Web Interface Alert** ⚠️"
		detail = fmt.Sprintf("%s might not be fully accessible at %s", result.Target, ts)
	}

	msg := header + "\n" + detail
	if result.Message != "" {
		msg += "\nStatus: " + result.Message
	}
	if result.ProbeSummary != "" {
		msg += "\nProbe: " + result.ProbeSummary
	}
	return msg
}
