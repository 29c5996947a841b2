package recognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/smallbiznis/invora/internal/config"
	"go.uber.org/zap"
)

type httpClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
	log      *zap.Logger
}

// NewHTTPClient builds the recognition API client.
func NewHTTPClient(cfg config.Config, log *zap.Logger) Provider {
	return &httpClient{
		endpoint: cfg.RecognizerEndpoint,
		apiKey:   cfg.RecognizerAPIKey,
		client:   &http.Client{Timeout: 60 * time.Second},
		log:      log.Named("recognizer"),
	}
}

func (c *httpClient) Extract(ctx context.Context, document []byte, fileName string) (*Result, error) {
	if c.endpoint == "" {
		return nil, fmt.Errorf("recognizer endpoint not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/analyze", bytes.NewReader(document))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-File-Name", fileName)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.Warn("recognizer returned non-200",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body),
		)
		return nil, fmt.Errorf("recognizer status %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode recognizer response: %w", err)
	}
	if result.Fields == nil {
		result.Fields = map[string]FieldValue{}
	}
	return &result, nil
}
