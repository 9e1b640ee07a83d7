package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-agents/internal/memory"
	"github.com/nidhogg/nuka-agents/internal/provider"
)

const defaultConfidence = 0.8

// GenerativeOptions configures a GenerativeProcessor.
type GenerativeOptions struct {
	SystemPrompt string
	// Confidence reported for successful generations.
	Confidence float64
	// Memory, when set, supplies recalled context and records each exchange.
	Memory *memory.Store
	Budget memory.ContextBudget
}

// GenerativeProcessor answers tasks with a text generator: recall related
// memories, generate, then remember the exchange.
type GenerativeProcessor struct {
	agentID string
	gen     provider.Generator
	opts    GenerativeOptions
	logger  *zap.Logger
}

// NewGenerativeProcessor creates a processor for agentID.
func NewGenerativeProcessor(agentID string, gen provider.Generator, opts GenerativeOptions, logger *zap.Logger) *GenerativeProcessor {
	if opts.Confidence <= 0 {
		opts.Confidence = defaultConfidence
	}
	if opts.Budget.MaxTokens == 0 {
		opts.Budget = memory.DefaultContextBudget()
	}
	return &GenerativeProcessor{
		agentID: agentID,
		gen:     gen,
		opts:    opts,
		logger:  logger.With(zap.String("agent", agentID)),
	}
}

func (p *GenerativeProcessor) Process(ctx context.Context, task *Task) (*Output, error) {
	prompt := PromptFrom(task.Payload)
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("task %s has an empty prompt", task.ID)
	}

	chain := &ThinkingChain{
		TaskID:    task.ID.String(),
		AgentID:   p.agentID,
		StartedAt: time.Now(),
	}

	system := p.opts.SystemPrompt
	if p.opts.Memory != nil {
		blocks := p.opts.Memory.BuildContext(ctx, prompt, p.opts.Budget)
		if len(blocks) > 0 {
			system = strings.TrimSpace(system + "\n\n" + memory.FormatContextPrompt(blocks))
			chain.add(StepMemoryRecall, fmt.Sprintf("Recalled %d memory blocks", len(blocks)))
		}
	}

	chain.add(StepReasoning, "Sending prompt to provider")
	text, err := p.gen.Generate(ctx, prompt, system)
	if err != nil {
		return nil, err
	}
	chain.add(StepResponse, truncateStr(text, 200))

	if p.opts.Memory != nil {
		if _, err := p.opts.Memory.RememberConversation(ctx, prompt, text, task.SourceAgent); err != nil {
			p.logger.Warn("remember conversation failed", zap.Error(err))
		} else {
			chain.add(StepMemoryStore, "Stored exchange as episodic memory")
		}
	}
	chain.Duration = time.Since(chain.StartedAt)

	return &Output{
		Content:    text,
		Confidence: p.opts.Confidence,
		Metadata:   map[string]any{"chain": chain},
	}, nil
}

// PromptFrom extracts prompt text from a task payload. Strings are used as
// is; objects contribute their prompt, query, content or task field;
// anything else is rendered as JSON.
func PromptFrom(payload any) string {
	switch v := payload.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any:
		for _, key := range []string{"prompt", "query", "content", "task"} {
			if s, ok := v[key].(string); ok && s != "" {
				return s
			}
		}
	case map[string]string:
		for _, key := range []string{"prompt", "query", "content", "task"} {
			if s := v[key]; s != "" {
				return s
			}
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprint(payload)
	}
	return string(data)
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
