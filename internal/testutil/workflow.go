package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/javanstorm/vmd/internal/image"
	"github.com/javanstorm/vmd/internal/workflow"
)

// FakeWorkflow is one workflow served by FakeWorkflows.
type FakeWorkflow struct {
	Description string
	Query       image.Query
	// Apply mutates the request the way the real provider would; its error
	// is returned from FetchWorkflowFor.
	Apply func(*workflow.Request) error
}

// FakeWorkflows is a workflow.Provider backed by a map.
type FakeWorkflows struct {
	mu        sync.Mutex
	Workflows map[string]FakeWorkflow
	Calls     []string
}

// NewFakeWorkflows returns a provider with no workflows.
func NewFakeWorkflows() *FakeWorkflows {
	return &FakeWorkflows{Workflows: make(map[string]FakeWorkflow)}
}

func (f *FakeWorkflows) FetchWorkflowFor(ctx context.Context, name string, req *workflow.Request) (image.Query, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, name)
	w, ok := f.Workflows[name]
	f.mu.Unlock()
	if !ok {
		return image.Query{}, fmt.Errorf("%w: %s", workflow.ErrWorkflowNotFound, name)
	}
	if w.Apply != nil {
		if err := w.Apply(req); err != nil {
			return image.Query{}, err
		}
	}
	return w.Query, nil
}

func (f *FakeWorkflows) InfoFor(ctx context.Context, name string) (image.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.Workflows[name]
	if !ok {
		return image.Info{}, fmt.Errorf("%w: %s", workflow.ErrWorkflowNotFound, name)
	}
	return image.Info{Aliases: []string{name}, ReleaseTitle: w.Description}, nil
}

func (f *FakeWorkflows) AllWorkflows(ctx context.Context) ([]image.Info, error) {
	f.mu.Lock()
	names := make([]string, 0, len(f.Workflows))
	for name := range f.Workflows {
		names = append(names, name)
	}
	f.mu.Unlock()
	sort.Strings(names)

	out := make([]image.Info, 0, len(names))
	for _, name := range names {
		info, _ := f.InfoFor(ctx, name)
		out = append(out, info)
	}
	return out, nil
}

// CallsFor returns the workflow names looked up so far.
func (f *FakeWorkflows) CallsFor() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}
