// Package anthropic implements the llm.Extractor contract against
// Anthropic's Claude models, adapted from the teacher's ClaudeService.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/common"
	"github.com/ternarybob/quaero/internal/llm"
	"github.com/ternarybob/quaero/internal/model"
)

const defaultModel = "claude-sonnet-4-20250514"

// Extractor implements llm.Extractor using the Anthropic Messages API.
type Extractor struct {
	client      *anthropic.Client
	model       string
	maxTokens   int64
	temperature float32
	timeout     time.Duration
	maxRetries  int
	logger      arbor.ILogger
}

// New constructs an Extractor from the pipeline's Claude configuration.
func New(cfg common.ClaudeConfig, timeout time.Duration, maxRetries int, logger arbor.ILogger) (*Extractor, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api_key is required")
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))

	return &Extractor{
		client:      &client,
		model:       model,
		maxTokens:   int64(maxTokens),
		temperature: cfg.Temperature,
		timeout:     timeout,
		maxRetries:  maxRetries,
		logger:      logger,
	}, nil
}

// Extract runs business-concept extraction via a single Claude Messages
// call, instructing the model to respond with a strict JSON document,
// and retries transient failures with exponential backoff.
func (e *Extractor) Extract(ctx context.Context, text string, docTypeHint model.DocType) (*llm.ExtractionResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var result *llm.ExtractionResult

	operation := func() error {
		raw, err := e.generateCompletion(callCtx, text, docTypeHint)
		if err != nil {
			return err
		}
		parsed, err := parseExtractionResponse(raw, docTypeHint)
		if err != nil {
			return backoff.Permanent(err)
		}
		result = parsed
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 10 * time.Second
	retryPolicy := backoff.WithMaxRetries(policy, uint64(e.maxRetries))

	if err := backoff.Retry(operation, backoff.WithContext(retryPolicy, callCtx)); err != nil {
		return nil, fmt.Errorf("anthropic extract: %w", err)
	}
	return result, nil
}

func (e *Extractor) generateCompletion(ctx context.Context, text string, docTypeHint model.DocType) (string, error) {
	system := systemPromptFor(docTypeHint)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: e.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
		Temperature: anthropic.Float(float64(e.temperature)),
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
	}

	msg, err := e.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("messages.new: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// HealthCheck sends a minimal probe message to confirm connectivity and
// authentication.
func (e *Extractor) HealthCheck(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: 8,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	}
	_, err := e.client.Messages.New(pingCtx, params)
	if err != nil {
		return fmt.Errorf("anthropic health check: %w", err)
	}
	return nil
}

// Close is a no-op: the SDK client holds no resources that require
// explicit teardown.
func (e *Extractor) Close() error {
	return nil
}

func systemPromptFor(docTypeHint model.DocType) string {
	switch docTypeHint {
	case model.DocTypeAnnualReport:
		return "You extract structured business-concept data from Chinese A-share annual reports. " +
			"Respond with a single JSON object only: {\"company_code\":..., \"company_name_full\":..., " +
			"\"company_name_short\":..., \"exchange\":..., \"business_concepts\":[...]}."
	default:
		return "You extract structured business-concept data from Chinese A-share broker research reports. " +
			"Respond with a single JSON object only: {\"company_code\":..., \"report_title\":..., \"business_concepts\":[...]}."
	}
}

func parseExtractionResponse(raw string, docTypeHint model.DocType) (*llm.ExtractionResult, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var extractionData map[string]any
	if err := json.Unmarshal([]byte(trimmed), &extractionData); err != nil {
		return nil, fmt.Errorf("parse extraction response as JSON: %w", err)
	}

	return &llm.ExtractionResult{
		DocumentType:   docTypeHint,
		ExtractionData: extractionData,
		ExtractionMetadata: map[string]any{
			"model": "claude",
		},
	}, nil
}
