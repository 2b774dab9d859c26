// Package immich is the upload side of the pipeline: a small client for the
// Immich server API that pushes matched assets and fixes up their metadata
// when reconciliation changed the capture time.
package immich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/mic159/immich-takeout/takeout"
	"go.uber.org/zap"
)

const deviceID = "gphotos-takeout-import"

// Retry budget for transient server trouble. Anything not in the
// retryable status set fails fast.
const (
	maxAttempts = 5
	baseBackoff = 10 * time.Second
)

type Client struct {
	base    string
	apiKey  string
	hc      *http.Client
	backoff time.Duration
	log     *zap.Logger
}

func New(baseURL, apiKey string, log *zap.Logger) *Client {
	return &Client{
		base:    strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: 10 * time.Minute},
		backoff: baseBackoff,
		log:     log,
	}
}

// UploadResult is the server's answer to an asset upload.
type UploadResult struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate"`
}

// UploadAsset streams the asset's payload to the server as a multipart
// upload. The payload handle is re-opened per attempt, so retries do not
// need a seekable body.
func (c *Client) UploadAsset(ctx context.Context, a *takeout.Asset) (*UploadResult, error) {
	result := new(UploadResult)
	err := c.doRetry(ctx, func(ctx context.Context) (*http.Response, error) {
		rc, err := a.Entry.Open(ctx)
		if err != nil {
			return nil, fmt.Errorf("opening payload: %w", err)
		}

		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		go func() {
			defer rc.Close()
			err := writeUploadForm(mw, a, rc)
			if closeErr := mw.Close(); err == nil {
				err = closeErr
			}
			pw.CloseWithError(err)
		}()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/asset/upload", pr)
		if err != nil {
			pr.Close()
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Accept", "application/json")
		req.Header.Set("x-api-key", c.apiKey)
		return c.hc.Do(req)
	}, result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateAsset pushes the reconciled capture time (and coordinates, when
// known) onto an already uploaded asset.
func (c *Client) UpdateAsset(ctx context.Context, assetID string, a *takeout.Asset) error {
	payload := map[string]any{
		"dateTimeOriginal": a.OriginalTime.Format(time.RFC3339),
	}
	if a.GPS != nil {
		payload["latitude"] = a.GPS.Latitude
		payload["longitude"] = a.GPS.Longitude
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.doRetry(ctx, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base+"/api/asset/"+assetID, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", c.apiKey)
		return c.hc.Do(req)
	}, nil)
}

func writeUploadForm(mw *multipart.Writer, a *takeout.Asset, payload io.Reader) error {
	fields := [][2]string{
		{"deviceAssetId", a.DeviceAssetID()},
		{"deviceId", deviceID},
		{"assetType", assetType(a.Name)},
		{"fileCreatedAt", a.OriginalTime.Format(time.RFC3339)},
		{"fileModifiedAt", a.Entry.ModTime.Format(time.RFC3339)},
		{"isFavorite", "false"},
		{"fileExtension", strings.TrimPrefix(a.Extension(), ".")},
	}
	for _, kv := range fields {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return err
		}
	}
	fw, err := mw.CreateFormFile("assetData", a.Name)
	if err != nil {
		return err
	}
	_, err = io.Copy(fw, payload)
	return err
}

// assetType maps the display name's extension to the upload API's coarse
// media kind.
func assetType(name string) string {
	mt := mime.TypeByExtension(strings.ToLower(path.Ext(name)))
	if i := strings.Index(mt, "/"); i > 0 {
		return strings.ToUpper(mt[:i])
	}
	return "IMAGE"
}

func retryable(status int) bool {
	switch status {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusRequestTimeout,
		http.StatusTooManyRequests:
		return true
	}
	return false
}

func (c *Client) doRetry(ctx context.Context, send func(context.Context) (*http.Response, error), out any) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff * time.Duration(1<<(attempt-1))):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		resp, err := send(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			c.log.Warn("request failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		if retryable(resp.StatusCode) {
			lastErr = fmt.Errorf("HTTP %s", resp.Status)
			c.log.Warn("transient server error, retrying",
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1))
			continue
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("HTTP %s: %s", resp.Status, body)
		}
		if readErr != nil {
			return readErr
		}
		if out != nil {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("giving up after %d attempts: %w", maxAttempts, lastErr)
}
