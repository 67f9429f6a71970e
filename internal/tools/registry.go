package tools

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	apperrors "github.com/therenovatio/teleton-agent-sub000/internal/errors"
)

// DefaultTimeout bounds every executor call
const DefaultTimeout = 90 * time.Second

type entry struct {
	def    Tool
	exec   Executor
	schema *jsonschema.Schema
}

// snapshot is immutable once published
type snapshot struct {
	tools map[string]*entry
	names []string // sorted
}

func (s *snapshot) clone() map[string]*entry {
	m := make(map[string]*entry, len(s.tools))
	for k, v := range s.tools {
		m[k] = v
	}
	return m
}

func newSnapshot(m map[string]*entry) *snapshot {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return &snapshot{tools: m, names: names}
}

// ExecObserver is told about every finished Execute call
type ExecObserver func(tool, outcome string, elapsed time.Duration)

// Registry owns the dispatch table. Readers load the current snapshot
// without locking; writers build a new one under writeMu and swap it in.
type Registry struct {
	current   atomic.Pointer[snapshot]
	writeMu   sync.Mutex
	listeners []func(Change)

	overrides *overrides
	compiler  *schemaCompiler
	timeout   time.Duration
	searcher  atomic.Pointer[Searcher]
	observer  atomic.Pointer[ExecObserver]
	logger    *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(timeout time.Duration, logger *zap.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := &Registry{
		overrides: newOverrides(),
		compiler:  newSchemaCompiler(0),
		timeout:   timeout,
		logger:    logger,
	}
	r.current.Store(newSnapshot(map[string]*entry{}))
	return r
}

// SetSearcher wires the relevance-search collaborator. Safe to call while
// the registry is serving; nil removes it.
func (r *Registry) SetSearcher(s Searcher) {
	if s == nil {
		r.searcher.Store(nil)
		return
	}
	r.searcher.Store(&s)
}

func (r *Registry) loadSearcher() Searcher {
	if p := r.searcher.Load(); p != nil {
		return *p
	}
	return nil
}

// SetObserver wires an execution observer (metrics)
func (r *Registry) SetObserver(o ExecObserver) {
	if o == nil {
		r.observer.Store(nil)
		return
	}
	r.observer.Store(&o)
}

// OnChange subscribes to hot-reload notifications. Listeners run while the
// registry write lock is held and must not mutate the registry.
func (r *Registry) OnChange(fn func(Change)) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Register adds a built-in tool. A duplicate name, a missing executor or an
// uncompilable schema is a setup error.
func (r *Registry) Register(tool Tool, exec Executor) error {
	if tool.Name == "" {
		return apperrors.New(apperrors.ErrBadRequest.Code, "tool name is required")
	}
	if exec == nil {
		return apperrors.New(apperrors.ErrToolMissingDependency.Code, fmt.Sprintf("tool %s has no executor", tool.Name))
	}

	e, err := r.prepare(tool, exec, "")
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.current.Load()
	if _, exists := cur.tools[tool.Name]; exists {
		return apperrors.New(apperrors.ErrToolDuplicate.Code, fmt.Sprintf("tool %s already registered", tool.Name))
	}
	m := cur.clone()
	m[tool.Name] = e
	r.current.Store(newSnapshot(m))
	return nil
}

// MustRegister panics on registration errors; for wiring built-ins at startup
func (r *Registry) MustRegister(tool Tool, exec Executor) {
	if err := r.Register(tool, exec); err != nil {
		panic(err)
	}
}

func (r *Registry) prepare(tool Tool, exec Executor, owner string) (*entry, error) {
	if tool.Scope == "" {
		tool.Scope = ScopeAlways
	}
	if !tool.Scope.Valid() {
		return nil, apperrors.New(apperrors.ErrBadRequest.Code, fmt.Sprintf("tool %s has invalid scope %q", tool.Name, tool.Scope))
	}
	if owner != "" {
		tool.Owner = owner
		tool.Module = owner
	} else if tool.Module == "" {
		tool.Module = ModuleOf(tool.Name)
	}

	schema, err := r.compiler.compile(tool.Parameters)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrBadRequest.Code, fmt.Sprintf("tool %s has invalid parameter schema", tool.Name), err)
	}
	return &entry{def: tool, exec: exec, schema: schema}, nil
}

// Get returns a tool definition by name
func (r *Registry) Get(name string) (Tool, bool) {
	e, ok := r.current.Load().tools[name]
	if !ok {
		return Tool{}, false
	}
	return e.def, true
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	_, ok := r.current.Load().tools[name]
	return ok
}

// All returns every registered tool, sorted by name
func (r *Registry) All() []Tool {
	snap := r.current.Load()
	out := make([]Tool, 0, len(snap.names))
	for _, n := range snap.names {
		out = append(out, snap.tools[n].def)
	}
	return out
}

// Count returns the number of registered tools
func (r *Registry) Count() int {
	return len(r.current.Load().names)
}

// Stats counts tools per module
func (r *Registry) Stats() map[string]int {
	snap := r.current.Load()
	stats := make(map[string]int)
	for _, e := range snap.tools {
		stats[e.def.Module]++
	}
	return stats
}

// Modules lists the distinct module tags
func (r *Registry) Modules() []string {
	stats := r.Stats()
	mods := make([]string, 0, len(stats))
	for m := range stats {
		mods = append(mods, m)
	}
	sort.Strings(mods)
	return mods
}

// EffectiveScope is the stored override if any, else the declared scope
func (r *Registry) EffectiveScope(name string) (Scope, bool) {
	e, ok := r.current.Load().tools[name]
	if !ok {
		return "", false
	}
	if s, ok := r.overrides.scope(name); ok {
		return s, true
	}
	return e.def.Scope, true
}

// IsEnabled reports the tool's enabled flag
func (r *Registry) IsEnabled(name string) bool {
	return !r.overrides.isDisabled(name)
}

// DeliversReply reports whether the named tool sends the reply itself
func (r *Registry) DeliversReply(name string) bool {
	e, ok := r.current.Load().tools[name]
	return ok && e.def.DeliversReply
}

// Category returns the named tool's category
func (r *Registry) Category(name string) string {
	if e, ok := r.current.Load().tools[name]; ok {
		return e.def.Category
	}
	return ""
}

func (r *Registry) notify(c Change) {
	for _, fn := range r.listeners {
		fn(c)
	}
}
