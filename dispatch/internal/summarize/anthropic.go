package summarize

import (
	"context"
	"errors"
	"fmt"

	"github.com/aktagon/llmkit/anthropic"
	"github.com/aktagon/llmkit/anthropic/types"
)

// Anthropic completes prompts with the Anthropic Messages API.
type Anthropic struct {
	APIKey      string
	Model       string
	Temperature float64
}

// NewAnthropic returns a Completer for model. Temperature defaults to 0.2.
func NewAnthropic(apiKey, model string) *Anthropic {
	return &Anthropic{APIKey: apiKey, Model: model, Temperature: 0.2}
}

// Complete implements Completer. The underlying client is not
// cancellable; a cancelled ctx returns early and the call is abandoned.
func (c *Anthropic) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	if c.APIKey == "" {
		return "", errors.New("summarize: anthropic api key is not set")
	}
	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := anthropic.PromptWithSettings(system, user, "", c.APIKey, types.RequestSettings{
			Model:       c.Model,
			MaxTokens:   maxTokens,
			Temperature: c.Temperature,
		})
		if err != nil {
			ch <- result{err: fmt.Errorf("summarize: anthropic: %w", err)}
			return
		}
		if len(resp.Content) == 0 {
			ch <- result{err: errors.New("summarize: anthropic: no content in response")}
			return
		}
		ch <- result{text: resp.Content[0].Text}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.text, r.err
	}
}
