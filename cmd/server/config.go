package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/khwebchat/kh-web-chat/internal/chat"
	"github.com/khwebchat/kh-web-chat/internal/models"
	"github.com/khwebchat/kh-web-chat/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(ctx context.Context, systemPrompt string, logger *slog.Logger) (chat.StreamingChatClient, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port         string          `yaml:"port"`
	Language     models.Language `yaml:"language"`
	SystemPrompt string          `yaml:"systemPrompt"`
	LLM          llmConfig       `yaml:"llm"`
}

type geminiConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	MaxTokens     int    `yaml:"maxTokens"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port         string          `yaml:"port"`
		Language     models.Language `yaml:"language"`
		SystemPrompt string          `yaml:"systemPrompt"`
		LLM          map[string]any  `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.Language = rawConfig.Language
	c.SystemPrompt = rawConfig.SystemPrompt

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "gemini":
		llm = &geminiConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "openai":
		llm = &openAIConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

func (g geminiConfig) llm(ctx context.Context, systemPrompt string, logger *slog.Logger) (chat.StreamingChatClient, error) {
	if g.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := g.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	gem, err := services.NewGemini(ctx, apiKey, g.Model, systemPrompt, logger)
	if err != nil {
		return nil, err
	}
	return gem, nil
}

func (o ollamaConfig) llm(_ context.Context, systemPrompt string, _ *slog.Logger) (chat.StreamingChatClient, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model, systemPrompt), nil
}

func (a anthropicConfig) llm(_ context.Context, systemPrompt string, _ *slog.Logger) (chat.StreamingChatClient, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Model, systemPrompt, a.MaxTokens), nil
}

func (o openAIConfig) llm(_ context.Context, systemPrompt string, logger *slog.Logger) (chat.StreamingChatClient, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.Model, systemPrompt, logger), nil
}
