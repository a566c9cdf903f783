package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/JoshuaAFerguson/APEX-sub021/internal/task"
)

// Script describes what a scripted agent does for one invocation:
// the events it streams, the result it returns, or the error it fails
// with. Used by tests and the dry-run runtime.
type Script struct {
	Events []Event
	Result *Result
	Err    error
}

// ScriptedRuntime replays configured scripts per agent name. Agents
// without a script stream a default thinking/message/usage sequence and
// succeed.
type ScriptedRuntime struct {
	mu      sync.Mutex
	scripts map[string][]Script // consumed front to back
	calls   []Request
}

// NewScriptedRuntime creates an empty scripted runtime.
func NewScriptedRuntime() *ScriptedRuntime {
	return &ScriptedRuntime{scripts: make(map[string][]Script)}
}

// AddScript queues a script for the named agent. Scripts are consumed
// one per invocation in FIFO order.
func (r *ScriptedRuntime) AddScript(agentName string, s Script) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[agentName] = append(r.scripts[agentName], s)
}

// Calls returns the dispatch requests observed so far.
func (r *ScriptedRuntime) Calls() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Request, len(r.calls))
	copy(out, r.calls)
	return out
}

// Run replays the next script for the requested agent, honouring
// context cancellation between events.
func (r *ScriptedRuntime) Run(ctx context.Context, req Request, emit EmitFunc) (*Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	script, ok := r.nextScriptLocked(req.Agent)
	r.mu.Unlock()

	if !ok {
		script = defaultScript(req)
	}

	for _, ev := range script.Events {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		emit(ev)
	}

	if script.Err != nil {
		return nil, script.Err
	}
	if script.Result != nil {
		return script.Result, nil
	}
	return &Result{Output: fmt.Sprintf("%s done", req.Stage)}, nil
}

func (r *ScriptedRuntime) nextScriptLocked(agentName string) (Script, bool) {
	queue := r.scripts[agentName]
	if len(queue) == 0 {
		return Script{}, false
	}
	s := queue[0]
	r.scripts[agentName] = queue[1:]
	return s, true
}

func defaultScript(req Request) Script {
	return Script{
		Events: []Event{
			{Kind: EventThinking, Content: fmt.Sprintf("planning %s", req.Stage)},
			{Kind: EventMessage, Content: fmt.Sprintf("working on %s", req.Stage)},
			{Kind: EventUsageDelta, Usage: task.Usage{
				InputTokens: 100, OutputTokens: 50, TotalTokens: 150,
				EstimatedCost: task.MoneyFromDollars(0.01),
			}},
		},
		Result: &Result{Output: fmt.Sprintf("%s done", req.Stage)},
	}
}
