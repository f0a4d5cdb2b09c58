package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/hizkifw/lmrelay/message"
	openai "github.com/sashabaranov/go-openai"
)

// Inference streams a completion for a conversation, calling onDelta with
// each text fragment in order.
type Inference interface {
	Stream(ctx context.Context, history message.History, onDelta func(string) error) error
}

type openAIBackend struct {
	client *openai.Client
	model  string
}

func newOpenAIBackend(opts *AgentOpts) *openAIBackend {
	cfg := openai.DefaultConfig(opts.InferenceKey)
	cfg.BaseURL = opts.InferenceAddr.JoinPath("/v1").String()
	cfg.HTTPClient = &http.Client{}
	return &openAIBackend{
		client: openai.NewClientWithConfig(cfg),
		model:  opts.Model,
	}
}

func toOpenAIMessages(history message.History) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return msgs
}

func (b *openAIBackend) Stream(ctx context.Context, history message.History, onDelta func(string) error) error {
	stream, err := b.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    b.model,
		Messages: toOpenAIMessages(history),
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to start completion: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("completion stream failed: %w", err)
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := onDelta(choice.Delta.Content); err != nil {
				return err
			}
		}
	}
}

// Models lists the model ids served by the backend.
func (b *openAIBackend) Models(ctx context.Context) ([]string, error) {
	list, err := b.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
