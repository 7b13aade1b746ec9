package e2e

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/vibeworks/vibed/pkg/llm"
	"github.com/vibeworks/vibed/pkg/models"
)

// Pipeline stages, classified from the system prompt. Scripts routed by
// stage survive call-order changes inside the agent pipeline.
const (
	StageDiff     = "diff"      // the engine's main change-generation call
	StageQA       = "qa"        // QA agent proposing test fixes
	StageUXReview = "ux-review" // UX agent's JSON report call
	StageFix      = "fix"       // follow-up diff calls made by agents
)

// classifyStage maps a system prompt to the pipeline stage that sent it.
func classifyStage(system string) string {
	switch {
	case strings.Contains(system, "code-change engine"):
		return StageDiff
	case strings.Contains(system, "built-in test runner"):
		return StageQA
	case strings.Contains(system, "review frontend code quality"):
		return StageUXReview
	default:
		return StageFix
	}
}

// LLMScriptEntry defines a single scripted LLM response.
type LLMScriptEntry struct {
	Text  string         // response text; NO_CHANGES and diffs both go here
	Usage llm.TokenUsage // zero value gets a small default so billing rows exist
	Error error          // returned from Generate() instead of a response
}

// ScriptedLLMClient implements queue.LLMCaller with a dual-dispatch mock:
// sequential fallback for simple scripts, plus stage-aware routing for the
// agent pipeline where call order is an implementation detail.
type ScriptedLLMClient struct {
	mu         sync.Mutex
	sequential []LLMScriptEntry // consumed in order for non-routed calls
	seqIndex   int
	routes     map[string][]LLMScriptEntry // stage → per-stage script
	routeIndex map[string]int              // stage → current index
	captured   []llm.Request
}

// NewScriptedLLMClient creates a new ScriptedLLMClient.
func NewScriptedLLMClient() *ScriptedLLMClient {
	return &ScriptedLLMClient{
		routes:     make(map[string][]LLMScriptEntry),
		routeIndex: make(map[string]int),
	}
}

// AddSequential adds an entry consumed in order for calls whose stage has
// no routed script.
func (c *ScriptedLLMClient) AddSequential(entry LLMScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequential = append(c.sequential, entry)
}

// AddRouted adds an entry for a specific pipeline stage.
func (c *ScriptedLLMClient) AddRouted(stage string, entry LLMScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[stage] = append(c.routes[stage], entry)
}

// Generate implements queue.LLMCaller.
func (c *ScriptedLLMClient) Generate(_ context.Context, _ models.LLMModel, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	c.captured = append(c.captured, req)
	entry, err := c.nextEntry(req)
	c.mu.Unlock()

	if err != nil {
		// Script underrun is a test bug; make it fatal so the engine fails
		// the job instead of retrying into the same hole.
		return nil, llm.NewFatalError(err)
	}
	if entry.Error != nil {
		return nil, entry.Error
	}

	usage := entry.Usage
	if usage.TotalTokens == 0 {
		usage = llm.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	}
	return &llm.Response{Text: entry.Text, Usage: usage}, nil
}

// CallCount returns the total number of Generate() calls made.
func (c *ScriptedLLMClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.captured)
}

// CapturedRequests returns a snapshot of every request seen so far.
func (c *ScriptedLLMClient) CapturedRequests() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Request, len(c.captured))
	copy(out, c.captured)
	return out
}

// nextEntry selects the next script entry using dual dispatch.
// Must be called with c.mu held.
func (c *ScriptedLLMClient) nextEntry(req llm.Request) (*LLMScriptEntry, error) {
	stage := classifyStage(req.System)

	if entries, ok := c.routes[stage]; ok {
		idx := c.routeIndex[stage]
		if idx < len(entries) {
			c.routeIndex[stage] = idx + 1
			return &entries[idx], nil
		}
	}

	if c.seqIndex < len(c.sequential) {
		entry := &c.sequential[c.seqIndex]
		c.seqIndex++
		return entry, nil
	}

	return nil, fmt.Errorf("ScriptedLLMClient: no more entries (stage=%q, sequential=%d/%d)",
		stage, c.seqIndex, len(c.sequential))
}
