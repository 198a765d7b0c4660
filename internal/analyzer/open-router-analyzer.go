package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BerylCAtieno/upload-insights-api/internal/utils"
)

const (
	DefaultEndpoint = "https://openrouter.ai/api/v1/chat/completions"
	maxQueryLen     = 4000
	maxTokens       = 400
	temperature     = 0.2
)

// ErrNotConfigured is returned when no API key was provided.
var ErrNotConfigured = errors.New("llm answerer not configured")

const systemPrompt = `You are the support assistant of an upload analytics service. Users upload sales
tables and product images; the service computes statistics such as num_customers, total_quantity,
total_revenue and num_invoices, and classifies images as normal or defect. Answer briefly and precisely.`

// Answerer produces a free-text answer to a user question.
type Answerer interface {
	Answer(ctx context.Context, query string) (string, error)
}

type openRouterAnalyzer struct {
	apiKey   string
	model    string
	endpoint string
	logger   *utils.Logger
	client   *http.Client
}

type OpenRouterRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type OpenRouterResponse struct {
	Choices []Choice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

type Choice struct {
	Message Message `json:"message"`
}

type Option func(*openRouterAnalyzer)

// WithEndpoint points the client at a different chat completions URL.
func WithEndpoint(url string) Option {
	return func(a *openRouterAnalyzer) { a.endpoint = url }
}

func WithHTTPClient(c *http.Client) Option {
	return func(a *openRouterAnalyzer) { a.client = c }
}

func NewOpenRouterAnalyzer(apiKey, model string, logger *utils.Logger, opts ...Option) Answerer {
	a := &openRouterAnalyzer{
		apiKey:   apiKey,
		model:    model,
		endpoint: DefaultEndpoint,
		logger:   logger,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// truncateQuery cuts overly long questions at a rune boundary at or below
// limit bytes.
func truncateQuery(query string, limit int) string {
	if len(query) <= limit {
		return query
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(query[cut]) {
		cut--
	}
	return query[:cut] + "..."
}

func (a *openRouterAnalyzer) Answer(ctx context.Context, query string) (string, error) {
	if a.apiKey == "" {
		return "", ErrNotConfigured
	}

	query = truncateQuery(query, maxQueryLen)

	reqBody := OpenRouterRequest{
		Model: a.model,
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: query},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("HTTP-Referer", "https://github.com/BerylCAtieno/upload-insights-api")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		a.logger.Error("OpenRouter API error", "status", resp.StatusCode, "body", string(body))
		return "", fmt.Errorf("OpenRouter API returned status %d", resp.StatusCode)
	}

	var openRouterResp OpenRouterResponse
	if err := json.Unmarshal(body, &openRouterResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if openRouterResp.Error != nil {
		return "", fmt.Errorf("OpenRouter API error: %s", openRouterResp.Error.Message)
	}

	if len(openRouterResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	answer := stripFences(strings.TrimSpace(openRouterResp.Choices[0].Message.Content))
	if answer == "" {
		return "", fmt.Errorf("empty answer in response")
	}
	return answer, nil
}

// stripFences removes a surrounding markdown code block, if any.
func stripFences(content string) string {
	if !strings.HasPrefix(content, "```") || !strings.HasSuffix(content, "```") || len(content) < 6 {
		return content
	}
	inner := strings.TrimSuffix(content[3:], "```")
	if i := strings.IndexByte(inner, '\n'); i >= 0 {
		inner = inner[i+1:]
	}
	return strings.TrimSpace(inner)
}
