// Package generator answers user messages with an LLM chat model.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/liliang-cn/livedesk/internal/config"
	"github.com/liliang-cn/livedesk/internal/domain"
	"go.uber.org/zap"
)

const systemPrompt = `You are the first-line support assistant of a live chat desk.
Answer the user's latest message using the conversation so far.
Reply with a single JSON object and nothing else:
{"answer": "<reply shown to the user>", "confidence": <0..1>, "suggest_operator": <true|false>}
Set confidence low when you are guessing. Set suggest_operator when the user
asks for a human or the request needs account access, refunds or anything you cannot do.`

// Generator produces replies through an eino chain
type Generator struct {
	chain  compose.Runnable[map[string]any, *schema.Message]
	logger *zap.Logger
}

// payload is the JSON object the model is asked to return
type payload struct {
	Answer          string  `json:"answer"`
	Confidence      float64 `json:"confidence"`
	SuggestOperator bool    `json:"suggest_operator"`
}

// New builds a generator on top of any chat model
func New(ctx context.Context, chatModel model.BaseChatModel, logger *zap.Logger) (*Generator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	template := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile reply chain: %w", err)
	}
	return &Generator{chain: runnable, logger: logger}, nil
}

// NewFromConfig creates the configured provider's chat model and wraps it.
// It returns nil when no provider is configured.
func NewFromConfig(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*Generator, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	switch cfg.Provider {
	case "ark":
		chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
			BaseURL:     cfg.BaseURL,
			Region:      cfg.Region,
			APIKey:      cfg.APIKey,
			AccessKey:   cfg.AccessKey,
			SecretKey:   cfg.SecretKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create ark chat model: %w", err)
		}
		return New(ctx, chatModel, logger)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

// Generate implements service.ResponseGenerator
func (g *Generator) Generate(ctx context.Context, query string, history []domain.Message) (domain.Reply, error) {
	msg, err := g.chain.Invoke(ctx, map[string]any{
		"system":  systemPrompt,
		"history": toSchema(history),
		"query":   query,
	})
	if err != nil {
		return domain.Reply{}, fmt.Errorf("failed to run reply chain: %w", err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return domain.Reply{}, fmt.Errorf("model returned an empty message")
	}

	reply, err := parse(msg.Content)
	if err != nil {
		return domain.Reply{}, err
	}
	g.logger.Debug("generated reply",
		zap.Float64("confidence", reply.Confidence),
		zap.Bool("suggest_operator", reply.SuggestOperator),
	)
	return reply, nil
}

// parse extracts the JSON object from the model output. Models sometimes
// wrap it in prose or code fences.
func parse(content string) (domain.Reply, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end <= start {
		return domain.Reply{}, fmt.Errorf("model output has no json object")
	}

	var p payload
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &p); err != nil {
		return domain.Reply{}, fmt.Errorf("failed to parse model output: %w", err)
	}
	answer := strings.TrimSpace(p.Answer)
	if answer == "" {
		return domain.Reply{}, fmt.Errorf("model output has an empty answer")
	}

	confidence := p.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return domain.Reply{Content: answer, Confidence: confidence, SuggestOperator: p.SuggestOperator}, nil
}

func toSchema(history []domain.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(history))
	for _, m := range history {
		switch m.Kind {
		case domain.KindUser:
			out = append(out, schema.UserMessage(m.Content))
		case domain.KindAssistant:
			out = append(out, schema.AssistantMessage(m.Content, nil))
		case domain.KindOperator:
			out = append(out, schema.AssistantMessage("[operator "+m.OperatorName+"] "+m.Content, nil))
		}
	}
	return out
}
