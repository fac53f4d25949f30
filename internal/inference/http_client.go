package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/mri-check/internal/logging"
)

const (
	// PredictTimeout bounds one predict call end to end.
	PredictTimeout = 30 * time.Second

	// FileField is the multipart field the backend reads the image from.
	FileField = "file"

	maxResponseBytes = 1 << 20
)

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// HTTPClient talks to the inference backend over plain HTTP.
type HTTPClient struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	logger  *zap.Logger
}

// Option customises an HTTPClient.
type Option func(*HTTPClient)

// WithTimeout overrides the predict timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient swaps the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		if hc != nil {
			c.http = hc
		}
	}
}

// NewHTTPClient returns a client rooted at baseURL.
func NewHTTPClient(baseURL string, logger *zap.Logger, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		timeout: PredictTimeout,
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   2,
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: time.Second,
			},
		},
		logger: logger.Named("inference_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health calls GET {base}/health. Every failure collapses into one connectivity error.
func (c *HTTPClient) Health(ctx context.Context) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, c.healthFailure(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.healthFailure(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.healthFailure(fmt.Errorf("unexpected status code %d", resp.StatusCode))
	}

	var status HealthStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&status); err != nil {
		return nil, c.healthFailure(fmt.Errorf("decode health body: %w", err))
	}
	return &status, nil
}

func (c *HTTPClient) healthFailure(err error) error {
	wrapped := logging.NewOperationError("inference.health", "", err)
	c.logger.Warn("health check failed", zap.Error(wrapped), zap.String("base_url", c.baseURL))
	return newError(KindConnectivity, 0, MsgConnectivity, wrapped)
}

// Predict uploads img to POST {base}/predict and returns the parsed result.
// It never returns both a result and an error, and never a partially populated result.
func (c *HTTPClient) Predict(ctx context.Context, img Image) (*PredictionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, contentType, err := encodeMultipart(img)
	if err != nil {
		return nil, c.predictFailure(img, newError(KindUnknown, 0, MsgUnknown, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", body)
	if err != nil {
		return nil, c.predictFailure(img, newError(KindUnknown, 0, MsgUnknown, err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.predictFailure(img, classifyTransport(err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.predictFailure(img, classifyTransport(err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.predictFailure(img, classifyStatus(resp.StatusCode, payload))
	}

	result, err := decodeResult(payload)
	if err != nil {
		return nil, c.predictFailure(img, newError(KindUnknown, resp.StatusCode, MsgUnknown, err))
	}

	c.logger.Info("prediction received",
		zap.String("filename", img.Filename),
		zap.String("predicted_class", result.PredictedClass),
		zap.Float64("confidence", result.Confidence),
		zap.Int64("latency_ms", time.Since(started).Milliseconds()),
	)
	return result, nil
}

func (c *HTTPClient) predictFailure(img Image, ierr *Error) error {
	c.logger.Error("prediction failed",
		zap.String("kind", ierr.Kind.String()),
		zap.Int("status_code", ierr.StatusCode),
		zap.String("filename", img.Filename),
		zap.Error(ierr.Err),
	)
	return ierr
}

func encodeMultipart(img Image) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	contentType := img.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	filename := img.Filename
	if filename == "" {
		filename = "upload"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="%s"; filename="%s"`, FileField, quoteEscaper.Replace(filename)))
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", fmt.Errorf("write multipart part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}

func classifyStatus(status int, payload []byte) *Error {
	cause := fmt.Errorf("backend responded with status %d", status)
	switch status {
	case http.StatusBadRequest:
		var body struct {
			Detail any `json:"detail"`
		}
		if err := json.Unmarshal(payload, &body); err == nil {
			if detail, ok := body.Detail.(string); ok && strings.TrimSpace(detail) != "" {
				return newError(KindInvalidImage, status, detail, cause)
			}
		}
		return newError(KindInvalidImage, status, MsgInvalidImage, cause)
	case http.StatusInternalServerError:
		return newError(KindServer, status, MsgServer, cause)
	default:
		return newError(KindUnknown, status, MsgUnknown, cause)
	}
}

func decodeResult(payload []byte) (*PredictionResult, error) {
	var result PredictionResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decode prediction body: %w", err)
	}
	if result.PredictedClass == "" {
		return nil, errors.New("prediction body is missing predicted_class")
	}
	if result.AllPredictions == nil {
		return nil, errors.New("prediction body is missing all_predictions")
	}
	if !inPercentRange(result.Confidence) {
		return nil, fmt.Errorf("confidence %v outside 0-100", result.Confidence)
	}
	for class, confidence := range result.AllPredictions {
		if !inPercentRange(confidence) {
			return nil, fmt.Errorf("confidence for %q %v outside 0-100", class, confidence)
		}
	}
	return &result, nil
}

func inPercentRange(v float64) bool {
	return v >= 0 && v <= 100
}
