// Package client talks to a running KOI classifier API.
package client

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"koi-classifier/internal/api"
	"koi-classifier/internal/storage"

	"github.com/go-resty/resty/v2"
)

// APIError is a non-2xx response from the service.
type APIError struct {
	Status int
	Body   api.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Body.Error == "" {
		return fmt.Sprintf("koi api: status %d", e.Status)
	}
	return fmt.Sprintf("koi api: status %d (%s): %s", e.Status, e.Body.Kind, e.Body.Error)
}

// Health is the /health payload.
type Health struct {
	Status                string  `json:"status"`
	Message               string  `json:"message"`
	ModelVersion          string  `json:"model_version"`
	UptimeSeconds         int     `json:"uptime_seconds"`
	ValidationFailureRate float64 `json:"validation_failure_rate"`
}

type Client struct {
	base string
	rest *resty.Client
}

// New returns a client for the service at base, e.g. http://localhost:8000.
func New(base string, timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(30 * time.Second)
	}
	r.SetBaseURL(base)
	r.SetHeader("Accept", "application/json")
	return &Client{base: base, rest: r}
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.rest.R().SetContext(ctx).SetError(&api.ErrorResponse{})
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		apiErr := &APIError{Status: resp.StatusCode()}
		if body, ok := resp.Error().(*api.ErrorResponse); ok && body != nil {
			apiErr.Body = *body
		}
		return apiErr
	}
	return nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := check(c.request(ctx).SetResult(&h).Get("/health"))
	return h, err
}

// Predict scores one record given as column name to value.
func (c *Client) Predict(ctx context.Context, record map[string]any) (api.PredictResponse, error) {
	var out api.PredictResponse
	err := check(c.request(ctx).SetBody(record).SetResult(&out).Post("/api/predict"))
	return out, err
}

// PredictBatch scores several records; invalid rows come back with an error
// rather than failing the call.
func (c *Client) PredictBatch(ctx context.Context, records []map[string]any) ([]api.BatchRowResponse, error) {
	var out struct {
		Results []api.BatchRowResponse `json:"results"`
	}
	err := check(c.request(ctx).
		SetBody(api.BatchRequest{Records: records}).
		SetResult(&out).
		Post("/api/predict/batch"))
	return out.Results, err
}

// UploadCSV sends a CSV file and returns the scored batch.
func (c *Client) UploadCSV(ctx context.Context, filename string, r io.Reader) (api.UploadResponse, error) {
	var out api.UploadResponse
	err := check(c.request(ctx).
		SetFileReader("file", filename, r).
		SetResult(&out).
		Post("/api/upload-csv"))
	return out, err
}

// DownloadReport fetches one file of a batch report, by the URL path the
// upload returned.
func (c *Client) DownloadReport(ctx context.Context, path string, w io.Writer) error {
	resp, err := c.rest.R().SetContext(ctx).SetDoNotParseResponse(true).Get(path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != 200 {
		return &APIError{Status: resp.StatusCode()}
	}
	_, err = io.Copy(w, body)
	return err
}

// Recent returns the latest logged predictions.
func (c *Client) Recent(ctx context.Context, limit int) ([]storage.PredictionRecord, error) {
	var out struct {
		Predictions []storage.PredictionRecord `json:"predictions"`
	}
	err := check(c.request(ctx).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetResult(&out).
		Get("/api/predictions"))
	return out.Predictions, err
}
