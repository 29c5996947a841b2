package corrector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/invora/internal/config"
	"go.uber.org/zap"
)

type httpClient struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	log      *zap.Logger
}

// NewHTTPClient builds the correction API client.
func NewHTTPClient(cfg config.Config, log *zap.Logger) Provider {
	return &httpClient{
		endpoint: cfg.CorrectorEndpoint,
		apiKey:   cfg.CorrectorAPIKey,
		model:    cfg.CorrectorModel,
		client:   &http.Client{Timeout: 60 * time.Second},
		log:      log.Named("corrector"),
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *httpClient) Correct(ctx context.Context, req Request) (map[string]string, error) {
	if c.endpoint == "" {
		return nil, fmt.Errorf("corrector endpoint not configured")
	}
	if len(req.LowConfidenceFields) == 0 {
		return map[string]string{}, nil
	}

	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(req)},
		},
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("corrector status %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("decode corrector response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return map[string]string{}, nil
	}

	return ParseFieldMap(chat.Choices[0].Message.Content, c.log), nil
}

const systemPrompt = "You correct fields extracted from invoice documents. " +
	"Answer with a single JSON object mapping field names to corrected string values. " +
	"Only include fields you are confident about."

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("These fields were extracted with low confidence: ")
	b.WriteString(strings.Join(req.LowConfidenceFields, ", "))
	b.WriteString("\n\nCurrent extraction:\n")
	for field, value := range req.Extraction {
		b.WriteString(field)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\n")
	}
	if req.RawText != "" {
		b.WriteString("\nDocument text:\n")
		b.WriteString(req.RawText)
	}
	return b.String()
}

// ParseFieldMap extracts a field->value JSON object from free text. Empty
// or non-JSON responses degrade to an empty map; a model that answers in
// prose must not abort the pipeline.
func ParseFieldMap(content string, log *zap.Logger) map[string]string {
	content = strings.TrimSpace(content)
	if content == "" {
		return map[string]string{}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		log.Debug("corrector response contained no JSON object")
		return map[string]string{}
	}

	dec := json.NewDecoder(strings.NewReader(content[start : end+1]))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		log.Warn("unparsable corrector response", zap.Error(err))
		return map[string]string{}
	}

	out := make(map[string]string, len(raw))
	for field, value := range raw {
		switch v := value.(type) {
		case string:
			out[field] = v
		case json.Number:
			out[field] = v.String()
		case bool:
			if v {
				out[field] = "true"
			} else {
				out[field] = "false"
			}
		case nil:
			// A null suggestion is no suggestion.
		default:
			log.Debug("ignoring non-scalar corrector value", zap.String("field", field))
		}
	}
	return out
}
