package mongocrud

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/parlane-io/mongocrud/internal/cache"
	"github.com/parlane-io/mongocrud/internal/db"
	"github.com/parlane-io/mongocrud/internal/pipeline"
)

// Registry maps model names to their services. Every cross-model
// operation (casting, joining, populating, hydrating) resolves targets
// through it, lazily by name, so registration order does not matter.
//
// Registration happens at startup; concurrent reads afterwards are safe.
type Registry struct {
	store  db.Store
	cache  cache.Cache
	logger *zap.Logger

	mu       sync.RWMutex
	services map[string]*Service
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger attaches a logger; default is a nop logger.
func WithLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithCache attaches a query-result cache. Reads consult it, writes
// invalidate the touched collection.
func WithCache(c cache.Cache) RegistryOption {
	return func(r *Registry) { r.cache = c }
}

// NewRegistry creates a registry over a store.
func NewRegistry(store db.Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:    store,
		logger:   zap.NewNop(),
		services: make(map[string]*Service),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register creates the service for a model definition. Model names are
// unique for the life of the process.
func (r *Registry) Register(def Definition) (*Service, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("register: model name is required")
	}
	if def.Collection == "" {
		return nil, fmt.Errorf("register %s: collection is required", def.Name)
	}
	if def.Schema == nil {
		def.Schema = NewSchema()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[def.Name]; ok {
		return nil, fmt.Errorf("register %s: %w", def.Name, ErrModelExists)
	}
	svc := &Service{
		name:       def.Name,
		collection: def.Collection,
		schema:     def.Schema,
		hooks:      resolveHooks(def.Hooks),
		registry:   r,
		store:      r.store,
		cache:      r.cache,
		logger:     r.logger.With(zap.String("model", def.Name)),
	}
	r.services[def.Name] = svc
	return svc, nil
}

// MustRegister is Register that panics on error, for startup wiring.
func (r *Registry) MustRegister(def Definition) *Service {
	svc, err := r.Register(def)
	if err != nil {
		panic(err)
	}
	return svc
}

// Service returns the registered service for a model name.
func (r *Registry) Service(name string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Models returns the registered model names.
// dependentCollections lists the collections of models that declare a
// relation targeting the named model.
func (r *Registry) dependentCollections(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, svc := range r.services {
		if svc.name == name {
			continue
		}
		for _, rel := range svc.schema.Relations() {
			if rel.Model == name {
				out = append(out, svc.collection)
				break
			}
		}
	}
	return out
}

func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.services))
	for name := range r.services {
		out = append(out, name)
	}
	return out
}

// source adapts the registry to the pipeline builders, binding the
// active options into each model's hook closures so recursion into
// related models carries the caller's context.
type source struct {
	registry *Registry
	opts     *Options
}

func (s source) Model(name string) (*pipeline.ModelInfo, bool) {
	svc, ok := s.registry.Service(name)
	if !ok {
		return nil, false
	}
	return svc.modelInfo(s.opts), true
}

// modelInfo builds the pipeline-facing view of this model for one call.
func (s *Service) modelInfo(opts *Options) *pipeline.ModelInfo {
	return &pipeline.ModelInfo{
		Name:       s.name,
		Collection: s.collection,
		Schema:     s.schema,
		Auth: func(ctx context.Context) (bson.M, error) {
			return s.authExpr(ctx, opts)
		},
		Censored: func(ctx context.Context) ([]string, error) {
			return s.censoredFields(ctx, opts)
		},
	}
}

func (s *Service) authExpr(ctx context.Context, opts *Options) (bson.M, error) {
	if s.hooks.authorize == nil || (opts != nil && opts.DisableAuthorization) {
		return nil, nil
	}
	expr, err := s.hooks.authorize.Authorize(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("authorize %s: %w", s.name, err)
	}
	return expr, nil
}

func (s *Service) censoredFields(ctx context.Context, opts *Options) ([]string, error) {
	if s.hooks.censor == nil || (opts != nil && opts.disableCensorship) {
		return nil, nil
	}
	fields, err := s.hooks.censor.Censor(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("censor %s: %w", s.name, err)
	}
	return fields, nil
}
