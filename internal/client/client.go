// Package client talks to the upload API over HTTP. Requests are retried on
// transport errors, 429 and 5xx responses.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/ilkin0/resumable/internal/api/types"
	"github.com/ilkin0/resumable/internal/crypto"
)

const apiPrefix = "/api/v1/uploads"

// ErrUploadFailed is returned by Complete when the server moved the upload
// to the failed state.
var ErrUploadFailed = errors.New("upload failed")

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type Client struct {
	httpClient *retryablehttp.Client
	baseURL    string
	logger     *slog.Logger
}

type Option func(*Client)

// WithRetryMax sets how many times a request is retried.
func WithRetryMax(n int) Option {
	return func(c *Client) { c.httpClient.RetryMax = n }
}

// WithRetryWait bounds the backoff between retries.
func WithRetryWait(minWait, maxWait time.Duration) Option {
	return func(c *Client) {
		c.httpClient.RetryWaitMin = minWait
		c.httpClient.RetryWaitMax = maxWait
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
		c.httpClient.Logger = logger
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient.HTTPClient = hc }
}

func New(baseURL string, opts ...Option) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.Logger = nil

	c := &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	// The final response is returned so its error body can be decoded.
	c.httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return c
}

func (c *Client) InitUpload(ctx context.Context, req types.InitUploadRequest) (*types.InitUploadResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var resp types.InitUploadResponse
	if _, err := c.do(ctx, http.MethodPost, apiPrefix+"/initialize", "application/json", body, &resp); err != nil {
		return nil, fmt.Errorf("initialize upload: %w", err)
	}
	return &resp, nil
}

// UploadChunk sends one chunk. An empty hash lets the server skip the
// per-chunk digest check.
func (c *Client) UploadChunk(ctx context.Context, uploadID string, index int64, data []byte, hash string) (*types.ChunkUploadResponse, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("upload_id", uploadID); err != nil {
		return nil, err
	}
	if err := writer.WriteField("chunk_index", strconv.FormatInt(index, 10)); err != nil {
		return nil, err
	}
	if hash != "" {
		if err := writer.WriteField("hash", hash); err != nil {
			return nil, err
		}
	}
	part, err := writer.CreateFormFile("chunk", fmt.Sprintf("chunk_%d", index))
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	var resp types.ChunkUploadResponse
	if _, err := c.do(ctx, http.MethodPost, apiPrefix+"/chunk", writer.FormDataContentType(), body.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("upload chunk %d: %w", index, err)
	}
	return &resp, nil
}

// Complete asks the server to assemble the upload. When the server reports
// a terminal failure the response carries the reason and the error wraps
// ErrUploadFailed.
func (c *Client) Complete(ctx context.Context, uploadID string) (*types.CompleteUploadResponse, error) {
	body, err := json.Marshal(types.CompleteUploadRequest{UploadID: uploadID})
	if err != nil {
		return nil, err
	}

	var resp types.CompleteUploadResponse
	status, err := c.do(ctx, http.MethodPost, apiPrefix+"/complete", "application/json", body, &resp)
	if status == http.StatusUnprocessableEntity {
		return &resp, fmt.Errorf("%w: %s", ErrUploadFailed, resp.Reason)
	}
	if err != nil {
		return nil, fmt.Errorf("complete upload: %w", err)
	}
	return &resp, nil
}

func (c *Client) Status(ctx context.Context, uploadID string) (*types.UploadStatus, error) {
	var resp types.UploadStatus
	target := apiPrefix + "/status?upload_id=" + url.QueryEscape(uploadID)
	if _, err := c.do(ctx, http.MethodGet, target, "", nil, &resp); err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	return &resp, nil
}

// do sends a request and decodes the data field of the response envelope
// into out, including for error responses that carry data.
func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out any) (int, error) {
	var payload any
	if body != nil {
		payload = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return 0, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if resp == nil {
		if err == nil {
			err = errors.New("no response")
		}
		return 0, err
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Warn("failed to close response body", slog.String("error", err.Error()))
		}
	}(resp.Body)

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("unreadable response: %v", err)}
	}
	if len(env.Data) > 0 && out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	if !env.Success {
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	return resp.StatusCode, nil
}

// StatusCode extracts the HTTP status of an API error, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// ChunkHash is the per-chunk digest sent alongside a payload.
func ChunkHash(data []byte) string {
	return crypto.HashBytes(data)
}
