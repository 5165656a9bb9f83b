package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"github.com/khwebchat/kh-web-chat/internal/chat"
	"github.com/khwebchat/kh-web-chat/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama provides an implementation of the streaming chat client for
// interacting with Ollama's language models. It manages connections to an
// Ollama server instance and handles streaming chat completions.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	client *api.Client
}

// NewOllama creates a new Ollama instance with the specified host URL and
// model name. The host parameter should be a valid URL pointing to an Ollama
// server. If the provided host URL is invalid, the function will panic.
func NewOllama(host, model, systemPrompt string) Ollama {
	u, err := url.Parse(host)
	if err != nil {
		panic(err)
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		client:       api.NewClient(u, &http.Client{}),
	}
}

// NewContext builds a conversation seeded with prior turns and the system
// prompt extended by the language directive. Ollama keeps no server-side
// session, so the context simply carries the assembled message prefix.
func (o Ollama) NewContext(_ context.Context, history []chat.HistoryTurn, directive string) (chat.Conversation, error) {
	system := o.systemPrompt
	if strings.TrimSpace(directive) != "" {
		system = system + " " + directive
	}

	msgs := make([]api.Message, 0, len(history)+1)
	msgs = append(msgs, api.Message{Role: "system", Content: system})
	for _, turn := range history {
		msgs = append(msgs, ollamaMessage(turn.Sender, turn.Text, turn.Images))
	}

	return &ollamaConversation{client: o.client, model: o.model, history: msgs}, nil
}

type ollamaConversation struct {
	client  *api.Client
	model   string
	history []api.Message
}

// Stream sends one turn and yields the streamed reply. The response is
// streamed incrementally, allowing real-time processing of model output.
// Ollama is stateless across requests, so a completed exchange is folded back
// into the carried history to keep the context conversational.
func (c *ollamaConversation) Stream(ctx context.Context, turn chat.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		userMsg := ollamaMessage(models.SenderUser, turn.Text, turn.Images)
		msgs := append(append([]api.Message{}, c.history...), userMsg)

		t := true
		req := api.ChatRequest{
			Model:    c.model,
			Messages: msgs,
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var reply strings.Builder
		if err := c.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			reply.WriteString(res.Message.Content)
			if !yield(res.Message.Content, nil) {
				cancel()
			}
			return nil
		}); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}

		c.history = append(msgs, api.Message{Role: "assistant", Content: reply.String()})
	}
}

func ollamaMessage(sender models.Sender, text string, images []models.ImageAttachment) api.Message {
	role := "user"
	if sender == models.SenderAI {
		role = "assistant"
	}
	msg := api.Message{Role: role, Content: text}
	for _, img := range images {
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			continue
		}
		msg.Images = append(msg.Images, api.ImageData(data))
	}
	return msg
}
