package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratum-cloud/stratum/pkg/engine"
)

// WebhookNotifier POSTs terminal jobs to their notification target.
type WebhookNotifier struct {
	client *http.Client

	// allowedHosts restricts targets when non-empty.
	allowedHosts map[string]bool

	logger zerolog.Logger
}

var _ engine.Notifier = (*WebhookNotifier)(nil)

// NewWebhookNotifier creates a notifier. An empty allowedHosts admits any host.
func NewWebhookNotifier(timeout time.Duration, allowedHosts []string, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	n := &WebhookNotifier{
		client:       &http.Client{Timeout: timeout},
		allowedHosts: make(map[string]bool),
		logger:       logger.With().Str("component", "notifier").Logger(),
	}
	for _, h := range allowedHosts {
		n.allowedHosts[strings.ToLower(h)] = true
	}
	return n
}

// Notify delivers the job. Any non-2xx answer is a failed delivery, which the
// executor retries on the next resume.
func (n *WebhookNotifier) Notify(ctx context.Context, job *engine.Job) error {
	target, err := n.checkTarget(job.NotificationTarget)
	if err != nil {
		return err
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stratum-Job-Id", job.ID)

	resp, err := n.client.Do(req)
	if err != nil {
		return engine.NewTransientError("notification request failed", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return engine.NewTransientError(fmt.Sprintf("notification target answered %d", resp.StatusCode), nil)
	}

	n.logger.Debug().Str("job_id", job.ID).Str("target", target.Host).Msg("notification delivered")
	return nil
}

func (n *WebhookNotifier) checkTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("invalid notification target %q", raw), err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, engine.NewValidationError(fmt.Sprintf("notification target %q must be http or https", raw), nil)
	}
	if len(n.allowedHosts) > 0 && !n.allowedHosts[strings.ToLower(u.Hostname())] {
		return nil, engine.NewPermanentError(fmt.Sprintf("notification host %s is not allowed", u.Hostname()), nil).
			WithCode(engine.ErrCodePermissionDenied)
	}
	return u, nil
}
