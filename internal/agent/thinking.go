package agent

import (
	"time"
)

// StepType identifies the kind of thinking step.
type StepType string

const (
	StepMemoryRecall StepType = "memory_recall"
	StepReasoning    StepType = "reasoning"
	StepResponse     StepType = "response"
	StepMemoryStore  StepType = "memory_store"
)

// ThinkingChain records how a generative task was answered.
type ThinkingChain struct {
	TaskID    string        `json:"task_id"`
	AgentID   string        `json:"agent_id"`
	Steps     []ThinkStep   `json:"steps"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// ThinkStep is a single step in the thinking chain.
type ThinkStep struct {
	Type      StepType  `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *ThinkingChain) add(t StepType, content string) {
	c.Steps = append(c.Steps, ThinkStep{Type: t, Content: content, Timestamp: time.Now()})
}
