package suggest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const (
	defaultModel       = openai.GPT4oMini
	maxPromptMessages  = 12
	maxPromptCharacter = 800
	systemPrompt       = `You decide whether the latest assistant turn of a conversation is a meaningful milestone worth a named checkpoint.
Answer with a JSON object only: {"checkpoint": boolean, "label": string, "comment": string|null}.
Use a short label (under 60 characters) when checkpoint is true.`
)

var errMissingAPIKey = errors.New("suggest: openai api key required")

// OpenAIConfig configures OpenAISuggester.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAISuggester asks a chat completion model for a checkpoint suggestion.
type OpenAISuggester struct {
	client *openai.Client
	model  string
}

func NewOpenAISuggester(cfg OpenAIConfig) (*OpenAISuggester, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errMissingAPIKey
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		config.BaseURL = baseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	return &OpenAISuggester{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}, nil
}

func (s *OpenAISuggester) Suggest(ctx context.Context, turn Turn) (*Suggestion, error) {
	if len(turn.Messages) == 0 {
		return nil, nil
	}
	response, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: renderTranscript(turn)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("suggest: chat completion: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrInvalidSuggestion)
	}
	return ParseSuggestion([]byte(response.Choices[0].Message.Content))
}

func renderTranscript(turn Turn) string {
	messages := turn.Messages
	if len(messages) > maxPromptMessages {
		messages = messages[len(messages)-maxPromptMessages:]
	}
	var builder strings.Builder
	for _, message := range messages {
		content := message.Content
		if runes := []rune(content); len(runes) > maxPromptCharacter {
			content = string(runes[:maxPromptCharacter]) + "..."
		}
		fmt.Fprintf(&builder, "[%s] %s\n", message.Role, content)
	}
	return builder.String()
}
