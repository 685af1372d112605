// Package registry maps (capability kind, provider name) pairs to their
// registered implementations. Registration happens once during startup;
// during execution the registry is read-only.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"pixelflow/internal/domain"
)

// Registry is the concrete CapabilityRegistry. Lookups of unknown
// providers fail with ErrProviderNotFound enumerating every registered
// name for the kind, so dispatch failures are self-diagnosing.
type Registry struct {
	mu           sync.RWMutex
	generators   map[string]domain.Generator
	transformers map[string]domain.Transformer
	savers       map[string]domain.Saver
	schemas      map[string]*paramSchema // keyed by kind/name
	caps         map[domain.CapabilityKind][]domain.Capability
	logger       *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		generators:   make(map[string]domain.Generator),
		transformers: make(map[string]domain.Transformer),
		savers:       make(map[string]domain.Saver),
		schemas:      make(map[string]*paramSchema),
		caps:         make(map[domain.CapabilityKind][]domain.Capability),
		logger:       logger,
	}
}

// RegisterGenerator adds a generator under its declared capability name.
func (r *Registry) RegisterGenerator(g domain.Generator) error {
	cap := g.Capability()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.generators[cap.Name]; exists {
		return fmt.Errorf("generator %q already registered", cap.Name)
	}
	r.generators[cap.Name] = g
	return r.admit(domain.CapGenerator, cap)
}

// RegisterTransformer adds a transform provider.
func (r *Registry) RegisterTransformer(t domain.Transformer) error {
	cap := t.Capability()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.transformers[cap.Name]; exists {
		return fmt.Errorf("transformer %q already registered", cap.Name)
	}
	r.transformers[cap.Name] = t
	return r.admit(domain.CapTransform, cap)
}

// RegisterSaver adds a save backend.
func (r *Registry) RegisterSaver(s domain.Saver) error {
	cap := s.Capability()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.savers[cap.Name]; exists {
		return fmt.Errorf("saver %q already registered", cap.Name)
	}
	r.savers[cap.Name] = s
	return r.admit(domain.CapSave, cap)
}

// admit records the capability for discovery and compiles its parameter
// schema. A schema that fails to compile disables validation for that
// provider with a warning rather than rejecting the registration.
func (r *Registry) admit(kind domain.CapabilityKind, cap domain.Capability) error {
	cap.Kind = kind
	r.caps[kind] = append(r.caps[kind], cap)
	sort.Slice(r.caps[kind], func(i, j int) bool {
		return r.caps[kind][i].Name < r.caps[kind][j].Name
	})

	schema, err := compileParamSchema(cap.Params)
	if err != nil {
		r.logger.Warn("parameter validation disabled for provider",
			"kind", string(kind), "provider", cap.Name, "error", err)
		return nil
	}
	if schema != nil {
		r.schemas[schemaKey(kind, cap.Name)] = schema
	}
	return nil
}

// Generator returns the named generator.
func (r *Registry) Generator(name string) (domain.Generator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.generators[name]
	if !ok {
		return nil, r.notFound(domain.CapGenerator, name, keys(r.generators))
	}
	return g, nil
}

// Transformer returns the named transform provider.
func (r *Registry) Transformer(name string) (domain.Transformer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transformers[name]
	if !ok {
		return nil, r.notFound(domain.CapTransform, name, keys(r.transformers))
	}
	return t, nil
}

// Saver returns the named save backend.
func (r *Registry) Saver(name string) (domain.Saver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.savers[name]
	if !ok {
		return nil, r.notFound(domain.CapSave, name, keys(r.savers))
	}
	return s, nil
}

// Capabilities lists registered capabilities of one kind, sorted by name.
func (r *Registry) Capabilities(kind domain.CapabilityKind) []domain.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Capability, len(r.caps[kind]))
	copy(out, r.caps[kind])
	return out
}

// ValidateParams checks params against the provider's compiled schema.
// Providers without a schema accept anything. Violations return
// ErrValidation; the schema never drives control flow beyond this gate.
func (r *Registry) ValidateParams(kind domain.CapabilityKind, name string, params map[string]any) error {
	r.mu.RLock()
	schema := r.schemas[schemaKey(kind, name)]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}
	if err := schema.validate(params); err != nil {
		return domain.NewDomainError("Registry.ValidateParams", domain.ErrValidation,
			fmt.Sprintf("provider %q: %v", name, err))
	}
	return nil
}

func (r *Registry) notFound(kind domain.CapabilityKind, name string, registered []string) error {
	sort.Strings(registered)
	detail := fmt.Sprintf("%s %q (registered: %s)", kind, name, strings.Join(registered, ", "))
	if len(registered) == 0 {
		detail = fmt.Sprintf("%s %q (none registered)", kind, name)
	}
	return domain.NewDomainError("Registry.Get", domain.ErrProviderNotFound, detail)
}

func schemaKey(kind domain.CapabilityKind, name string) string {
	return string(kind) + "/" + name
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
