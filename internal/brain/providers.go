package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Pricing converts provider token counts to dollars. Rates are per
// million tokens; zero rates make usage free.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

func (p Pricing) cost(in, out int64) float64 {
	return float64(in)/1e6*p.InputPerMTok + float64(out)/1e6*p.OutputPerMTok
}

// AnthropicProvider completes prompts through the Anthropic Messages
// API.
type AnthropicProvider struct {
	client  anthropic.Client
	model   string
	pricing Pricing
}

func NewAnthropic(apiKey, model string, pricing Pricing) *AnthropicProvider {
	return &AnthropicProvider{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		pricing: pricing,
	}
}

func (p *AnthropicProvider) Complete(ctx context.Context, system, prompt string) (string, Usage, error) {
	start := time.Now()
	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: 2048,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", Usage{LatencyMS: time.Since(start).Milliseconds()}, fmt.Errorf("anthropic: %w", err)
	}
	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	usage := Usage{
		TokensIn:  resp.Usage.InputTokens,
		TokensOut: resp.Usage.OutputTokens,
		LatencyMS: time.Since(start).Milliseconds(),
		CostUSD:   p.pricing.cost(resp.Usage.InputTokens, resp.Usage.OutputTokens),
	}
	return text, usage, nil
}

// OpenAIProvider talks to any OpenAI-compatible chat completions
// endpoint (OpenAI itself, vLLM, Ollama, LiteLLM proxies).
type OpenAIProvider struct {
	baseURL string
	apiKey  string
	model   string
	pricing Pricing
	client  *http.Client
}

func NewOpenAI(baseURL, apiKey, model string, pricing Pricing) *OpenAIProvider {
	return &OpenAIProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		pricing: pricing,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *OpenAIProvider) Complete(ctx context.Context, system, prompt string) (string, Usage, error) {
	start := time.Now()
	body, _ := json.Marshal(map[string]any{
		"model": p.model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": prompt},
		},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", Usage{LatencyMS: time.Since(start).Milliseconds()}, fmt.Errorf("openai: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", Usage{LatencyMS: time.Since(start).Milliseconds()}, fmt.Errorf("openai: status %d", resp.StatusCode)
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Usage{LatencyMS: time.Since(start).Milliseconds()}, fmt.Errorf("openai: decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", Usage{LatencyMS: time.Since(start).Milliseconds()}, fmt.Errorf("openai: empty response")
	}
	usage := Usage{
		TokensIn:  out.Usage.PromptTokens,
		TokensOut: out.Usage.CompletionTokens,
		LatencyMS: time.Since(start).Milliseconds(),
		CostUSD:   p.pricing.cost(out.Usage.PromptTokens, out.Usage.CompletionTokens),
	}
	return out.Choices[0].Message.Content, usage, nil
}
