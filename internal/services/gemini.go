package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/khwebchat/kh-web-chat/internal/chat"
	"github.com/khwebchat/kh-web-chat/internal/models"
	"google.golang.org/genai"
)

// Gemini provides an implementation of the streaming chat client backed by the
// Google Gemini API. Each conversation context wraps a provider-side chat
// seeded with prior turns and the system instruction plus language directive.
type Gemini struct {
	model        string
	systemPrompt string

	client *genai.Client

	logger *slog.Logger
}

// NewGemini creates a new Gemini instance with the specified API key and model
// name. An obviously unconfigured key is rejected up front as a credential
// failure rather than at the first request.
func NewGemini(ctx context.Context, apiKey, model, systemPrompt string, logger *slog.Logger) (Gemini, error) {
	if len(apiKey) < 10 {
		return Gemini{}, &chat.Failure{
			Kind:    chat.FailureCredentialInvalid,
			Message: "gemini api key is not configured",
		}
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return Gemini{}, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return Gemini{
		model:        model,
		systemPrompt: systemPrompt,
		client:       client,
		logger:       logger.With(slog.String("module", "gemini")),
	}, nil
}

// NewContext opens a provider chat seeded with the given history and the
// system instruction extended by the language directive.
func (g Gemini) NewContext(ctx context.Context, history []chat.HistoryTurn, directive string) (chat.Conversation, error) {
	instruction := g.systemPrompt
	if strings.TrimSpace(directive) != "" {
		instruction = instruction + " " + directive
	}

	c, err := g.client.Chats.Create(ctx, g.model, &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: instruction}},
		},
	}, geminiHistory(history))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini chat: %w", err)
	}

	return geminiConversation{chat: c, logger: g.logger}, nil
}

type geminiConversation struct {
	chat   *genai.Chat
	logger *slog.Logger
}

// Stream sends one turn and yields the reply as text deltas. The returned
// sequence is finite and not restartable; an error mid-sequence terminates it.
func (c geminiConversation) Stream(ctx context.Context, turn chat.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		parts, err := geminiParts(turn)
		if err != nil {
			yield("", err)
			return
		}

		for resp, err := range c.chat.SendMessageStream(ctx, parts...) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("gemini stream failed: %w", err))
				return
			}
			if !yield(resp.Text(), nil) {
				return
			}
		}
	}
}

func geminiParts(turn chat.Turn) ([]genai.Part, error) {
	var parts []genai.Part
	if turn.Text != "" {
		parts = append(parts, genai.Part{Text: turn.Text})
	}
	for _, img := range turn.Images {
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode image %s: %w", img.Filename, err)
		}
		parts = append(parts, genai.Part{
			InlineData: &genai.Blob{MIMEType: img.MimeType, Data: data},
		})
	}
	return parts, nil
}

func geminiHistory(history []chat.HistoryTurn) []*genai.Content {
	out := make([]*genai.Content, 0, len(history))
	for _, turn := range history {
		role := genai.RoleUser
		if turn.Sender == models.SenderAI {
			role = genai.RoleModel
		}

		var parts []*genai.Part
		if turn.Text != "" {
			parts = append(parts, &genai.Part{Text: turn.Text})
		}
		for _, img := range turn.Images {
			data, err := base64.StdEncoding.DecodeString(img.Data)
			if err != nil {
				continue
			}
			parts = append(parts, &genai.Part{
				InlineData: &genai.Blob{MIMEType: img.MimeType, Data: data},
			})
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out
}
