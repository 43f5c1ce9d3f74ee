package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"audit-platform/internal/config"

	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = `You are a smart contract security auditor. Analyze the submitted
contract and produce a structured report. For every finding include a
heading, a "Severity: <Critical|High|Medium|Low|Informational>" line,
a description, and a recommended fix. Finish with a short summary.`

// tokensPerCredit converts backend token usage into informational
// credit figures. Display only; billing is capped by the estimate.
const tokensPerCredit = 1000

// OpenAIEngine streams analyses from an OpenAI-compatible backend.
type OpenAIEngine struct {
	client *openai.Client
	model  string
	log    *slog.Logger
}

func NewOpenAIEngine(cfg config.EngineConfig, log *slog.Logger) *OpenAIEngine {
	if log == nil {
		log = slog.Default()
	}
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	return &OpenAIEngine{
		client: openai.NewClientWithConfig(c),
		model:  cfg.Model,
		log:    log,
	}
}

func (e *OpenAIEngine) Invoke(ctx context.Context, sessionID, code, language string) (<-chan Chunk, error) {
	req := openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Language: %s\n\n```\n%s\n```", language, code)},
		},
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}

	stream, err := e.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("start analysis stream: %w", err)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer stream.Close()

		var reportedCost int64
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				out <- Chunk{Type: ChunkComplete, ReportedCost: reportedCost}
				return
			}
			if err != nil {
				// Mid-stream failure: partial output stays delivered,
				// the stream ends with a single error chunk.
				e.log.WarnContext(ctx, "analysis stream failed",
					"session_id", sessionID, "error", err)
				out <- Chunk{Type: ChunkError, Err: err.Error()}
				return
			}

			if resp.Usage != nil {
				reportedCost = creditsFromTokens(resp.Usage.TotalTokens)
				out <- Chunk{Type: ChunkCredits, CreditsUsed: reportedCost}
			}
			if len(resp.Choices) > 0 {
				if delta := resp.Choices[0].Delta.Content; delta != "" {
					out <- Chunk{Type: ChunkContent, Content: delta}
				}
			}
		}
	}()
	return out, nil
}

func creditsFromTokens(totalTokens int) int64 {
	if totalTokens <= 0 {
		return 0
	}
	c := int64(totalTokens) / tokensPerCredit
	if int64(totalTokens)%tokensPerCredit != 0 {
		c++
	}
	return c
}
