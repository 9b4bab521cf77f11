package suggest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hgarg1/gemini-nexus-sub001/internal/versioning"
)

const (
	ProviderNone   = "none"
	ProviderAlways = "always"
	ProviderOpenAI = "openai"

	maxHeuristicLabel = 60
)

// ErrUnknownProvider indicates a suggest.provider value with no implementation.
var ErrUnknownProvider = errors.New("suggest: unknown provider")

// Suggestion is the AI's proposal to checkpoint a turn.
type Suggestion struct {
	Label   string
	Comment *string
}

// Turn is the conversation as it stood when an assistant turn completed.
type Turn struct {
	ChatID   versioning.ChatID
	TurnID   string
	Messages []versioning.MessageSnapshot
}

// Suggester decides whether a turn is checkpoint-worthy. A nil suggestion means no checkpoint.
type Suggester interface {
	Suggest(ctx context.Context, turn Turn) (*Suggestion, error)
}

// NoneSuggester never proposes a checkpoint.
type NoneSuggester struct{}

func (NoneSuggester) Suggest(context.Context, Turn) (*Suggestion, error) {
	return nil, nil
}

// AlwaysSuggester proposes a checkpoint for every turn, labelled from the newest message.
type AlwaysSuggester struct{}

func (AlwaysSuggester) Suggest(_ context.Context, turn Turn) (*Suggestion, error) {
	if len(turn.Messages) == 0 {
		return nil, nil
	}
	last := turn.Messages[len(turn.Messages)-1]
	label := strings.Join(strings.Fields(last.Content), " ")
	if label == "" {
		label = "turn " + turn.TurnID
	}
	if runes := []rune(label); len(runes) > maxHeuristicLabel {
		label = string(runes[:maxHeuristicLabel])
	}
	return &Suggestion{Label: label}, nil
}

// Config selects and configures a Suggester.
type Config struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
}

// New builds the Suggester named by cfg.Provider.
func New(cfg Config) (Suggester, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderNone:
		return NoneSuggester{}, nil
	case ProviderAlways:
		return AlwaysSuggester{}, nil
	case ProviderOpenAI:
		suggester, err := NewOpenAISuggester(OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
		if err != nil {
			return nil, err
		}
		return suggester, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}
