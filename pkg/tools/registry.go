package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Provider holds the tool subset admitted for one agent phase. The planner
// provider admits read and control tools only; the executor provider admits
// everything. Admission is decided at construction, so a phase can never
// reach a tool outside its side-effect budget.
type Provider struct {
	mu    sync.Mutex
	tools map[string]Tool
	order []string
}

// NewProvider builds a provider from tool instances, rejecting any tool
// whose side-effect class is not in the allowed set.
func NewProvider(allowed []SideEffect, instances ...Tool) (*Provider, error) {
	allowSet := make(map[SideEffect]struct{}, len(allowed))
	for _, class := range allowed {
		allowSet[class] = struct{}{}
	}

	p := &Provider{tools: make(map[string]Tool, len(instances))}
	for _, tool := range instances {
		if _, ok := allowSet[tool.SideEffect()]; !ok {
			return nil, fmt.Errorf("tool %q has side effect %q, not admitted in this provider", tool.Name(), tool.SideEffect())
		}
		if _, dup := p.tools[tool.Name()]; dup {
			return nil, fmt.Errorf("duplicate tool %q", tool.Name())
		}
		p.tools[tool.Name()] = tool
		p.order = append(p.order, tool.Name())
	}
	return p, nil
}

// Get retrieves a tool by name.
func (p *Provider) Get(name string) (Tool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tool, ok := p.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool %q not available in this context", name)
	}
	return tool, nil
}

// Has reports whether a tool is admitted.
func (p *Provider) Has(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tools[name]
	return ok
}

// Definitions returns the tool definitions in registration order.
func (p *Provider) Definitions() []ToolDefinition {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ToolDefinition, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.tools[name].Definition())
	}
	return out
}

// Names returns the sorted tool names, for log lines and loop-break
// signatures.
func (p *Provider) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.tools))
	for name := range p.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Execute validates args against the tool's schema and runs it. Schema
// violations and tool-internal Go errors both come back as structured
// error results so the model sees them as tool messages, never exceptions.
func (p *Provider) Execute(ctx context.Context, name string, args map[string]any) any {
	tool, err := p.Get(name)
	if err != nil {
		return ErrorResult("%v", err)
	}

	def := tool.Definition()
	if err := ValidateArgs(&def, args); err != nil {
		return ErrorResult("invalid arguments for %s: %v", name, err)
	}

	result, err := tool.Exec(ctx, args)
	if err != nil {
		return ErrorResult("%s failed: %v", name, err)
	}
	return result
}
