package emitter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/clipforge/api/internal/logger"
)

const (
	uploadMaxAttempts = 3
	uploadBaseDelay   = 1000 * time.Millisecond
	uploadMaxDelay    = 30 * time.Second
)

// Uploader PUTs artifact bytes to a pre-signed URL. Transient upstream
// failures (408/429/5xx or network errors) are retried with exponential
// backoff; anything else fails immediately.
type Uploader struct {
	client *http.Client
	log    *logger.Logger
}

func NewUploader(client *http.Client, log *logger.Logger) *Uploader {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Uploader{client: client, log: log}
}

// Upload sends the body to the presigned URL. The body must be seekable so
// retries can rewind it.
func (u *Uploader) Upload(ctx context.Context, presignedURL string, body io.ReadSeeker, size int64, contentType string) error {
	var lastErr error
	delay := uploadBaseDelay

	for attempt := 1; attempt <= uploadMaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > uploadMaxDelay {
				delay = uploadMaxDelay
			}
		}

		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind upload body: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, presignedURL, body)
		if err != nil {
			return err
		}
		req.ContentLength = size
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := u.client.Do(req)
		if err != nil {
			lastErr = err
			u.log.Warnw("artifact_upload_attempt_failed", "attempt", attempt, "error", err)
			continue
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("upload returned %d", resp.StatusCode)
		if !retryableStatus(resp.StatusCode) {
			return lastErr
		}
		u.log.Warnw("artifact_upload_attempt_rejected", "attempt", attempt, "httpStatus", resp.StatusCode)
	}

	return fmt.Errorf("upload failed after %d attempts: %w", uploadMaxAttempts, lastErr)
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}
