// Package webhook delivers terminal job events to caller-supplied
// URLs. Delivery is best-effort and never gates the pipeline.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"kakiokoshi/internal/jobfs"
	"kakiokoshi/internal/models"
	"kakiokoshi/pkg/logger"
)

// CompletedPayload is posted when a job reaches completed.
type CompletedPayload struct {
	Event        string            `json:"event"`
	JobID        string            `json:"job_id"`
	Status       models.JobStatus  `json:"status"`
	DownloadURLs map[string]string `json:"download_urls"`
}

// FailedPayload is posted when a job reaches failed.
type FailedPayload struct {
	Event  string           `json:"event"`
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
	Error  models.JobError  `json:"error"`
}

// Service handles webhook delivery.
type Service struct {
	client *http.Client
	// retryDelays is the wait before each attempt; the first entry is
	// zero so the initial attempt fires immediately.
	retryDelays []time.Duration
	// budget bounds one delivery including all retries.
	budget time.Duration
}

// NewService creates a webhook service with the default retry schedule.
func NewService() *Service {
	return &Service{
		client:      &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{0, 1 * time.Second, 5 * time.Second, 30 * time.Second},
		budget:      2 * time.Minute,
	}
}

// NotifyCompleted fires the job.completed event in the background.
func (s *Service) NotifyCompleted(job *models.Job, tree jobfs.Tree, downloadURLs map[string]string) {
	if job.WebhookURL == "" {
		return
	}
	payload := CompletedPayload{
		Event:        "job.completed",
		JobID:        job.ID,
		Status:       models.StatusCompleted,
		DownloadURLs: downloadURLs,
	}
	go s.deliver(job.ID, job.WebhookURL, tree, payload)
}

// NotifyFailed fires the job.failed event in the background.
func (s *Service) NotifyFailed(job *models.Job, tree jobfs.Tree, jobErr models.JobError) {
	if job.WebhookURL == "" {
		return
	}
	payload := FailedPayload{
		Event:  "job.failed",
		JobID:  job.ID,
		Status: models.StatusFailed,
		Error:  jobErr,
	}
	go s.deliver(job.ID, job.WebhookURL, tree, payload)
}

// deliver attempts one delivery with bounded retries. Transport errors,
// 5xx and 429 retry; other 4xx responses are permanent. Exhaustion is
// recorded in the job's process log.
func (s *Service) deliver(jobID, url string, tree jobfs.Tree, payload interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), s.budget)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		logger.Error("Failed to marshal webhook payload", "job_id", jobID, "error", err)
		return
	}

	var lastErr error
	for attempt, delay := range s.retryDelays {
		if delay > 0 {
			select {
			case <-ctx.Done():
				lastErr = fmt.Errorf("delivery budget exhausted: %w", ctx.Err())
				s.logExhausted(jobID, url, tree, attempt, lastErr)
				return
			case <-time.After(delay):
			}
		}

		statusCode, err := s.post(ctx, url, body)
		if err == nil && statusCode >= 200 && statusCode < 300 {
			logger.Info("Webhook delivered", "job_id", jobID, "url", url, "attempt", attempt+1)
			return
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("webhook returned HTTP %d", statusCode)
			if statusCode >= 400 && statusCode < 500 && statusCode != http.StatusTooManyRequests {
				// Client errors will not succeed on retry.
				s.logExhausted(jobID, url, tree, attempt+1, lastErr)
				return
			}
		}
		logger.Warn("Webhook delivery failed", "job_id", jobID, "attempt", attempt+1, "error", lastErr)
	}

	s.logExhausted(jobID, url, tree, len(s.retryDelays), lastErr)
}

func (s *Service) post(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Kakiokoshi-Webhook/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (s *Service) logExhausted(jobID, url string, tree jobfs.Tree, attempts int, lastErr error) {
	msg := fmt.Sprintf("%s webhook delivery to %s gave up after %d attempts: %v",
		time.Now().Format(time.RFC3339), url, attempts, lastErr)
	tree.AppendLog(msg)
	logger.Error("Webhook delivery gave up", "job_id", jobID, "url", url, "attempts", attempts, "error", lastErr)
}
