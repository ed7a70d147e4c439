package decorator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws-samples/personalization-apis-go/internal/configmodel"
)

// DefaultPrepareThrottle bounds how often PrepareDatastores actually scans
// the configuration document, since it's cheap to call on every request
// but the document rarely changes between calls.
const DefaultPrepareThrottle = 5 * time.Second

// Factory builds the MetadataDecorator named by a namespace's
// inferenceItemMetadata configuration. A nil decorator with a nil error
// means the namespace has no metadata decoration configured.
type Factory func(namespace string, inferenceItemMetadata configmodel.Node) (MetadataDecorator, error)

type entry struct {
	decorator   MetadataDecorator
	fingerprint string
}

// Registry holds one MetadataDecorator instance per namespace, rebuilding
// an instance only when that namespace's inferenceItemMetadata
// configuration actually changes. The previous instance for a namespace is
// closed only after its replacement has been swapped into place, so a
// request already holding a reference to the old instance is never
// invalidated mid-flight.
type Registry struct {
	factory         Factory
	prepareThrottle time.Duration

	mu          sync.Mutex
	entries     map[string]entry
	lastPrepare time.Time
}

// NewRegistry builds a Registry around the given Factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory:         factory,
		prepareThrottle: DefaultPrepareThrottle,
		entries:         make(map[string]entry),
	}
}

// PrepareDatastores scans every namespace in doc and lazily creates or
// replaces its decorator instance. Calls within DefaultPrepareThrottle of
// the previous call are no-ops, so it's safe to call once per incoming
// request.
func (r *Registry) PrepareDatastores(ctx context.Context, doc *configmodel.Document) {
	r.mu.Lock()
	if time.Since(r.lastPrepare) < r.prepareThrottle {
		r.mu.Unlock()
		return
	}
	r.lastPrepare = time.Now()
	r.mu.Unlock()

	for namespace, cfg := range doc.Namespaces() {
		metaRaw, ok := cfg["inferenceItemMetadata"]
		if !ok {
			continue
		}
		metaNode, ok := asNode(metaRaw)
		if !ok {
			continue
		}
		r.ensure(namespace, metaNode)
	}
}

func asNode(v any) (configmodel.Node, bool) {
	if n, ok := v.(configmodel.Node); ok {
		return n, true
	}
	if m, ok := v.(map[string]any); ok {
		return configmodel.Node(m), true
	}
	return nil, false
}

func (r *Registry) ensure(namespace string, cfg configmodel.Node) {
	fingerprint := fmt.Sprintf("%#v", cfg)

	r.mu.Lock()
	existing, ok := r.entries[namespace]
	r.mu.Unlock()
	if ok && existing.fingerprint == fingerprint {
		return
	}

	built, err := r.factory(namespace, cfg)
	if err != nil || built == nil {
		return
	}

	r.mu.Lock()
	r.entries[namespace] = entry{decorator: built, fingerprint: fingerprint}
	r.mu.Unlock()

	if ok && existing.decorator != nil {
		existing.decorator.Close()
	}
}

// Get returns the current decorator instance for a namespace, if one has
// been prepared.
func (r *Registry) Get(namespace string) (MetadataDecorator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[namespace]
	if !ok {
		return nil, false
	}
	return e.decorator, true
}
