// Package capability defines the contract between the workflow engine and
// the external skill implementations that stand behind each role, plus the
// thread-safe registry the engine resolves roles through.
package capability

import (
	"context"

	"github.com/rvidal/preceptor/pkg/schema"
)

// Request is the context a capability receives for one turn: the
// instance's accumulated variables and full conversation history.
// Both are copies; a capability cannot mutate engine state directly.
type Request struct {
	InstanceID   string           `json:"instance_id"`
	WorkflowType string           `json:"workflow_type"`
	Variables    map[string]any   `json:"variables"`
	History      []schema.Message `json:"history"`
}

// Capability implements one role's behavior for one turn. Implementations
// (typically model-provider calls) are supplied externally and treated as
// black boxes; they must honor ctx cancellation.
type Capability interface {
	Role() schema.Role
	Invoke(ctx context.Context, req Request) (*schema.Delta, error)
}

// Func adapts a plain function to the Capability interface.
type Func struct {
	ForRole schema.Role
	Fn      func(ctx context.Context, req Request) (*schema.Delta, error)
}

func (f Func) Role() schema.Role { return f.ForRole }

func (f Func) Invoke(ctx context.Context, req Request) (*schema.Delta, error) {
	return f.Fn(ctx, req)
}

// Resource is a descriptor returned by an external content provider.
type Resource struct {
	Title      string `json:"title"`
	URL        string `json:"url"`
	SourceType string `json:"source_type"`
}

// Searcher is the resource-provider contract the researcher role's skill
// depends on. Failures are the capability's concern, not the engine's.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Resource, error)
}
