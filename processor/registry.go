package processor

import (
	"context"
	"encoding/json"
)

// Entry describes one capability exposed by a registry.
type Entry struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// Registry is the collaborator interface the processor routes capability
// methods to. The engine has no knowledge of a registry's internals; it only
// lists entries and invokes them by name.
type Registry interface {
	List(ctx context.Context) ([]Entry, error)
	Invoke(ctx context.Context, name string, args json.RawMessage) (any, error)
}

// TemplateLister is optionally implemented by resource registries that expose
// parameterized resource templates.
type TemplateLister interface {
	ListTemplates(ctx context.Context) ([]Entry, error)
}

// Registries bundles the three capability registries. Nil members are
// reported as method-not-found for their methods.
type Registries struct {
	Tools     Registry
	Resources Registry
	Prompts   Registry
}

// Capabilities derives the server capability set from the populated
// registries.
func (r Registries) Capabilities() Capabilities {
	caps := Capabilities{}
	if r.Tools != nil {
		caps["tools"] = map[string]any{"listChanged": true}
	}
	if r.Resources != nil {
		caps["resources"] = map[string]any{"listChanged": true}
	}
	if r.Prompts != nil {
		caps["prompts"] = map[string]any{"listChanged": true}
	}
	return caps
}
