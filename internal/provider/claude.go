package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"

	"github.com/stewardhq/steward/internal/logging"
)

const (
	defaultModel        = "claude-sonnet-4-20250514"
	defaultCompactModel = "claude-3-5-haiku-20241022"
	defaultMaxTokens    = 8192
	summaryMaxTokens    = 1024

	retryInitialInterval = time.Second
	retryMaxInterval     = 30 * time.Second
	retryMaxElapsed      = 2 * time.Minute
	maxRetries           = 3
)

// ClaudeConfig configures the Claude backend.
type ClaudeConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// CompactModel is the cheaper model used for summarization.
	CompactModel string
	MaxTokens    int
}

// Claude is the Anthropic-backed reasoning implementation.
type Claude struct {
	client anthropic.Client
	cfg    ClaudeConfig
}

// NewClaude creates the backend. The API key falls back to
// ANTHROPIC_API_KEY.
func NewClaude(ctx context.Context, cfg ClaudeConfig) (*Claude, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider: ANTHROPIC_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.CompactModel == "" {
		cfg.CompactModel = defaultCompactModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Claude{client: anthropic.NewClient(opts...), cfg: cfg}, nil
}

// systemBlocks renders the prompt segments as separate system blocks so
// each cache partition keeps its own boundary. Segments marked Cache get
// an ephemeral cache_control; the trailing volatile ones stay unmarked.
func systemBlocks(segments []Segment) []anthropic.TextBlockParam {
	blocks := make([]anthropic.TextBlockParam, 0, len(segments))
	for _, seg := range segments {
		if seg.Text == "" {
			continue
		}
		b := anthropic.TextBlockParam{Text: seg.Text}
		if seg.Cache {
			b.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		blocks = append(blocks, b)
	}
	return blocks
}

// buildMessages converts the turn history to API messages. Consecutive
// tool results collapse into a single user message; the API requires all
// results for a round's tool_use blocks to arrive together.
func buildMessages(history []*schema.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(history))
	var pending []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pending) > 0 {
			out = append(out, anthropic.NewUserMessage(pending...))
			pending = nil
		}
	}

	for _, msg := range history {
		switch msg.Role {
		case schema.Tool:
			pending = append(pending, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		case schema.Assistant:
			flush()
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolCalls)+1)
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Function.Name,
						Input: json.RawMessage(tc.Function.Arguments),
					},
				})
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			flush()
			if msg.Content != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		}
	}
	flush()
	return out
}

// buildTools converts tool declarations to API tool params.
func buildTools(defs []ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schemaMap map[string]any
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &schemaMap)
		}
		required := stringSlice(schemaMap["required"])
		param := anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type:       "object",
				Properties: schemaMap["properties"],
				Required:   required,
			},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// newRetryBackoff builds an exponential backoff with jitter for transient
// backend failures.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = retryMaxElapsed
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
}

// Complete sends one completion request, retrying transient failures.
// Authentication failures are wrapped in ErrAuth and never retried.
func (c *Claude) Complete(ctx context.Context, req *Request) (*Response, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: int64(maxTokens),
		System:    systemBlocks(req.Segments),
		Messages:  buildMessages(req.History),
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}

	log := logging.For("provider")

	var msg *anthropic.Message
	op := func() error {
		var err error
		msg, err = c.client.Messages.New(ctx, params)
		if err != nil {
			if isAuthError(err) {
				return backoff.Permanent(fmt.Errorf("%w: %v", ErrAuth, err))
			}
			log.Warn().Err(err).Msg("backend call failed, retrying")
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, newRetryBackoff(ctx)); err != nil {
		return nil, fmt.Errorf("provider: complete: %w", err)
	}

	resp := &Response{
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Text += v.Text
		case anthropic.ToolUseBlock:
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        v.ID,
				Name:      v.Name,
				Arguments: json.RawMessage(v.JSON.Input.Raw()),
			})
		}
	}
	return resp, nil
}

const summaryInstruction = "Summarize this conversation into a concise recap. " +
	"Preserve key facts, decisions, and context that would be needed to " +
	"continue the conversation naturally. Be brief but thorough.\n\n"

// Summarize asks the cheaper model for a transcript recap.
func (c *Claude) Summarize(ctx context.Context, transcript string) (string, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.CompactModel),
		MaxTokens: summaryMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(summaryInstruction + transcript)),
		},
	})
	if err != nil {
		if isAuthError(err) {
			return "", fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return "", fmt.Errorf("provider: summarize: %w", err)
	}
	var out strings.Builder
	for _, block := range msg.Content {
		if v, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(v.Text)
		}
	}
	return out.String(), nil
}

// isAuthError spots credential problems in backend errors.
func isAuthError(err error) bool {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == 401 || apierr.StatusCode == 403
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "authentication") || strings.Contains(s, "permission")
}
