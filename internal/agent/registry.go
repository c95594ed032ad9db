package agent

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Constructor builds a fresh behavior for one agent instance.
type Constructor func(cfg Config) (Behavior, error)

// Validator vets a role's config beyond the generic checks.
type Validator func(cfg Config) error

// RegistryError wraps registration and creation failures so callers can
// tell them from behavior errors.
type RegistryError struct {
	Message string
	Err     error
}

func (e *RegistryError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *RegistryError) Unwrap() error { return e.Err }

type registration struct {
	role        string
	constructor Constructor
	validator   Validator
	typeName    string
	methods     []string
}

// Registry maps role names to behavior constructors. It is an explicit
// instance: callers that want process-wide registration wire one
// registry through their composition root.
type Registry struct {
	mu     sync.RWMutex
	roles  map[string]registration
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		roles:  make(map[string]registration),
		logger: logger.Named("agent.registry"),
	}
}

// Register binds a role name to a constructor. Re-registering a role
// overwrites the previous binding with a warning.
func (r *Registry) Register(role string, constructor Constructor, validator Validator) error {
	if role == "" {
		return &RegistryError{Message: "role name is required"}
	}
	if constructor == nil {
		return &RegistryError{Message: fmt.Sprintf("role %s: constructor is required", role)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.roles[role]; exists {
		r.logger.Warn("overwriting registered role", zap.String("role", role))
	}
	r.roles[role] = registration{role: role, constructor: constructor, validator: validator}
	r.logger.Debug("role registered", zap.String("role", role))
	return nil
}

// RegisterBehavior registers a role whose introspection info is derived
// from the concrete behavior type.
func RegisterBehavior[B Behavior](r *Registry, role string, constructor func(cfg Config) (B, error), validator Validator) error {
	if err := r.Register(role, func(cfg Config) (Behavior, error) {
		return constructor(cfg)
	}, validator); err != nil {
		return err
	}
	t := reflect.TypeFor[B]()
	r.mu.Lock()
	reg := r.roles[role]
	reg.typeName = t.String()
	for i := 0; i < t.NumMethod(); i++ {
		reg.methods = append(reg.methods, t.Method(i).Name)
	}
	r.roles[role] = reg
	r.mu.Unlock()
	return nil
}

// Unregister removes a role binding. Returns whether it was present.
func (r *Registry) Unregister(role string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.roles[role]; !exists {
		return false
	}
	delete(r.roles, role)
	return true
}

// Roles lists the registered role names, sorted.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]string, 0, len(r.roles))
	for role := range r.roles {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// RoleInfo describes one registered role for operator surfaces.
type RoleInfo struct {
	Role     string   `json:"role"`
	TypeName string   `json:"type_name,omitempty"`
	Methods  []string `json:"methods,omitempty"`
}

// Info returns introspection data for a role.
func (r *Registry) Info(role string) (RoleInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, exists := r.roles[role]
	if !exists {
		return RoleInfo{}, &RegistryError{Message: fmt.Sprintf("role %s is not registered", role)}
	}
	return RoleInfo{Role: role, TypeName: reg.typeName, Methods: reg.methods}, nil
}

// ValidateConfig runs the generic checks plus the role's validator.
func (r *Registry) ValidateConfig(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return &RegistryError{Message: "invalid agent config", Err: err}
	}
	r.mu.RLock()
	reg, exists := r.roles[cfg.Role]
	r.mu.RUnlock()
	if !exists {
		return &RegistryError{Message: fmt.Sprintf("role %s is not registered", cfg.Role)}
	}
	if reg.validator != nil {
		if err := reg.validator(*cfg); err != nil {
			return &RegistryError{Message: fmt.Sprintf("role %s: config rejected", cfg.Role), Err: err}
		}
	}
	return nil
}

// Factory creates agents from registered roles, with an optional
// per-name singleton cache.
type Factory struct {
	registry *Registry
	logger   *zap.Logger

	mu        sync.Mutex
	instances map[string]*Agent
}

func NewFactory(registry *Registry, logger *zap.Logger) *Factory {
	return &Factory{
		registry:  registry,
		logger:    logger.Named("agent.factory"),
		instances: make(map[string]*Agent),
	}
}

// Create validates the config, builds the behavior, and wraps it in a
// lifecycle manager. With singleton set, a second Create for the same
// name returns the cached instance without consulting the constructor.
func (f *Factory) Create(cfg Config, singleton bool) (*Agent, error) {
	if err := f.registry.ValidateConfig(&cfg); err != nil {
		return nil, err
	}

	if singleton {
		f.mu.Lock()
		if existing, ok := f.instances[cfg.Name]; ok {
			f.mu.Unlock()
			return existing, nil
		}
		f.mu.Unlock()
	}

	f.registry.mu.RLock()
	reg := f.registry.roles[cfg.Role]
	f.registry.mu.RUnlock()

	behavior, err := f.construct(reg, cfg)
	if err != nil {
		return nil, &RegistryError{Message: fmt.Sprintf("role %s: constructor failed", cfg.Role), Err: err}
	}
	a, err := New(cfg, behavior, f.logger)
	if err != nil {
		return nil, err
	}

	if singleton {
		f.mu.Lock()
		// Lost a race: prefer the instance that got there first.
		if existing, ok := f.instances[cfg.Name]; ok {
			f.mu.Unlock()
			return existing, nil
		}
		f.instances[cfg.Name] = a
		f.mu.Unlock()
	}

	f.logger.Info("agent created",
		zap.String("name", cfg.Name), zap.String("role", cfg.Role), zap.Bool("singleton", singleton))
	return a, nil
}

// construct shields Create from a panicking constructor.
func (f *Factory) construct(reg registration, cfg Config) (b Behavior, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return reg.constructor(cfg)
}

// Instance returns a cached singleton by name.
func (f *Factory) Instance(name string) (*Agent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.instances[name]
	return a, ok
}

// Instances snapshots the cached singletons.
func (f *Factory) Instances() map[string]*Agent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*Agent, len(f.instances))
	for name, a := range f.instances {
		out[name] = a
	}
	return out
}

// RemoveInstance drops a cached singleton. The agent itself is not
// stopped; that is the caller's call.
func (f *Factory) RemoveInstance(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[name]; !ok {
		return false
	}
	delete(f.instances, name)
	return true
}

// ClearInstances empties the singleton cache.
func (f *Factory) ClearInstances() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances = make(map[string]*Agent)
}
