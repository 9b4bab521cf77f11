package suggest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hgarg1/gemini-nexus-sub001/internal/versioning"
	"github.com/stretchr/testify/require"
)

func TestParseSuggestion(t *testing.T) {
	suggestion, err := ParseSuggestion([]byte(`{"checkpoint": true, "label": " Itinerary drafted ", "comment": "day one done"}`))
	require.NoError(t, err)
	require.NotNil(t, suggestion)
	require.Equal(t, "Itinerary drafted", suggestion.Label)
	require.NotNil(t, suggestion.Comment)
	require.Equal(t, "day one done", *suggestion.Comment)

	declined, err := ParseSuggestion([]byte(`{"checkpoint": false}`))
	require.NoError(t, err)
	require.Nil(t, declined)

	noComment, err := ParseSuggestion([]byte(`{"checkpoint": true, "label": "x", "comment": null}`))
	require.NoError(t, err)
	require.Nil(t, noComment.Comment)
}

func TestParseSuggestionRejectsSchemaViolations(t *testing.T) {
	for name, payload := range map[string]string{
		"not json":         `checkpoint please`,
		"missing flag":     `{"label": "x"}`,
		"missing label":    `{"checkpoint": true}`,
		"empty label":      `{"checkpoint": true, "label": ""}`,
		"wrong label type": `{"checkpoint": true, "label": 3}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSuggestion([]byte(payload))
			require.ErrorIs(t, err, ErrInvalidSuggestion)
		})
	}
}

func TestNewSelectsProvider(t *testing.T) {
	none, err := New(Config{})
	require.NoError(t, err)
	require.IsType(t, NoneSuggester{}, none)

	always, err := New(Config{Provider: "always"})
	require.NoError(t, err)
	suggestion, err := always.Suggest(context.Background(), Turn{Messages: []versioning.MessageSnapshot{{ID: "m1", Content: "  hello\n world "}}})
	require.NoError(t, err)
	require.Equal(t, "hello world", suggestion.Label)

	_, err = New(Config{Provider: "openai"})
	require.ErrorIs(t, err, errMissingAPIKey)

	_, err = New(Config{Provider: "crystal-ball"})
	require.True(t, errors.Is(err, ErrUnknownProvider))
}

func TestOpenAISuggesterParsesCompletion(t *testing.T) {
	var capturedModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var request struct {
			Model string `json:"model"`
		}
		require.NoError(t, json.Unmarshal(body, &request))
		capturedModel = request.Model

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "test-model",
			"choices": [{
				"index": 0,
				"finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"checkpoint\": true, \"label\": \"Budget agreed\"}"}
			}]
		}`)
	}))
	defer server.Close()

	suggester, err := NewOpenAISuggester(OpenAIConfig{APIKey: "test", BaseURL: server.URL + "/v1", Model: "test-model"})
	require.NoError(t, err)

	suggestion, err := suggester.Suggest(context.Background(), Turn{
		ChatID: "chat-1",
		TurnID: "turn-1",
		Messages: []versioning.MessageSnapshot{
			{ID: "m1", Role: "user", Content: "what can we spend?"},
			{ID: "m2", Role: "assistant", Content: "About 2000 EUR."},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, suggestion)
	require.Equal(t, "Budget agreed", suggestion.Label)
	require.Equal(t, "test-model", capturedModel)
}
