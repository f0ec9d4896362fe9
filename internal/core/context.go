package core

import "sync"

// Context is the in-memory execution state of one run: the seed variables
// and the outputs of completed nodes. It is owned by the workflow executor
// for the duration of the run and is the sole source for variable
// substitution.
//
// Outputs are written only from the scheduler's completion path; readers
// inside executors observe entries whose writes happen-before by DAG order.
// The lock exists for the resume path and for event consumers that inspect
// a context while the run is live.
type Context struct {
	RunID    string
	TenantID string

	mu        sync.RWMutex
	variables map[string]any
	outputs   map[string]any
}

// NewContext creates a context seeded with the run's input variables.
func NewContext(runID, tenantID string, inputs map[string]any) *Context {
	vars := make(map[string]any, len(inputs))
	for k, v := range inputs {
		vars[k] = v
	}
	return &Context{
		RunID:     runID,
		TenantID:  tenantID,
		variables: vars,
		outputs:   make(map[string]any),
	}
}

// Variable returns the named input variable.
func (c *Context) Variable(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[name]
	return v, ok
}

// SetVariable sets an input variable. Used when rebuilding a context on
// resume.
func (c *Context) SetVariable(name string, val any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[name] = val
}

// Output returns the stored output of a completed node.
func (c *Context) Output(nodeID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.outputs[nodeID]
	return v, ok
}

// SetOutput records a completed node's output.
func (c *Context) SetOutput(nodeID string, val any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[nodeID] = val
}

// Outputs returns a snapshot of all node outputs.
func (c *Context) Outputs() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.outputs))
	for k, v := range c.outputs {
		out[k] = v
	}
	return out
}

// Variables returns a snapshot of the input variables.
func (c *Context) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}
