package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// Handler executes one delivery and returns the serialized result payload.
// RegisterFunc builds handlers from typed functions; registering a raw
// Handler is the escape hatch for tasks that work on bytes directly.
type Handler func(ctx context.Context, tc *Context) ([]byte, error)

// OverlapKeyFunc derives the single-flight key for a delivery. Returning ""
// falls back to a task-wide lock.
type OverlapKeyFunc func(tc *Context) string

// Policy captures the per-task execution options fixed at registration.
type Policy struct {
	// Queue routes the task when the producer does not pick one.
	Queue string
	// MaxRetries overrides the client default when non-nil.
	MaxRetries *int
	// Timeout bounds one handler invocation; zero means no per-task bound.
	Timeout time.Duration
	// PreventOverlapping enables single-flight execution.
	PreventOverlapping bool
	// OverlapKey refines the single-flight key per delivery.
	OverlapKey OverlapKeyFunc
	// RateLimit caps executions when non-nil; the limiter key is the task
	// name.
	RateLimit *domain.RateLimitPolicy
	// Partitioned serializes deliveries sharing a partition key.
	Partitioned bool
}

// Registration binds a task name to its handler and policy. Decode is set
// by RegisterFunc so the executor can deserialize arguments before it marks
// the task started; raw registrations leave it nil.
type Registration struct {
	Name    string
	Handler Handler
	Decode  func(tc *Context) error
	Policy  Policy
}

// Option mutates a registration's policy.
type Option func(*Policy)

// WithQueue sets the default queue for the task.
func WithQueue(queue string) Option {
	return func(p *Policy) { p.Queue = queue }
}

// WithMaxRetries sets the retry budget for the task.
func WithMaxRetries(n int) Option {
	return func(p *Policy) { p.MaxRetries = &n }
}

// WithTimeout bounds each invocation of the task.
func WithTimeout(d time.Duration) Option {
	return func(p *Policy) { p.Timeout = d }
}

// WithPreventOverlapping enables task-wide single-flight execution.
func WithPreventOverlapping() Option {
	return func(p *Policy) { p.PreventOverlapping = true }
}

// WithPreventOverlappingBy enables single-flight execution keyed per
// delivery, e.g. by a user ID header.
func WithPreventOverlappingBy(fn OverlapKeyFunc) Option {
	return func(p *Policy) {
		p.PreventOverlapping = true
		p.OverlapKey = fn
	}
}

// WithRateLimit caps the task to limit executions per sliding window.
func WithRateLimit(limit int, window time.Duration) Option {
	return func(p *Policy) {
		p.RateLimit = &domain.RateLimitPolicy{Limit: limit, Window: window}
	}
}

// WithPartitioned serializes deliveries that share a partition key.
func WithPartitioned() Option {
	return func(p *Policy) { p.Partitioned = true }
}

// Registry maps task names to registrations. Registration happens during
// startup; Resolve runs on every delivery, so lookups take a read lock.
type Registry struct {
	mu         sync.RWMutex
	serializer domain.Serializer
	regs       map[string]*Registration
}

// NewRegistry builds an empty registry whose RegisterFunc codecs use s.
func NewRegistry(s domain.Serializer) *Registry {
	return &Registry{
		serializer: s,
		regs:       make(map[string]*Registration),
	}
}

// Serializer returns the codec used for typed registrations.
func (r *Registry) Serializer() domain.Serializer { return r.serializer }

// Register binds name to h. Duplicate names are a conflict.
func (r *Registry) Register(name string, h Handler, opts ...Option) error {
	return r.register(name, h, nil, opts...)
}

func (r *Registry) register(name string, h Handler, decode func(tc *Context) error, opts ...Option) error {
	if name == "" || h == nil {
		return fmt.Errorf("op=task.Register: %w: name and handler required", domain.ErrInvalidArgument)
	}
	var p Policy
	for _, opt := range opts {
		opt(&p)
	}
	if p.RateLimit != nil && (p.RateLimit.Limit < 1 || p.RateLimit.Window <= 0) {
		return fmt.Errorf("op=task.Register: %w: rate limit for %q needs limit >= 1 and a positive window", domain.ErrInvalidArgument, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.regs[name]; exists {
		return fmt.Errorf("op=task.Register: %w: task %q already registered", domain.ErrConflict, name)
	}
	r.regs[name] = &Registration{Name: name, Handler: h, Decode: decode, Policy: p}
	return nil
}

// MustRegister is Register for wiring code where a duplicate is a bug.
func (r *Registry) MustRegister(name string, h Handler, opts ...Option) {
	if err := r.Register(name, h, opts...); err != nil {
		panic(err)
	}
}

// Resolve looks up a registration by task name.
func (r *Registry) Resolve(name string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[name]
	return reg, ok
}

// Names returns all registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.regs))
	for n := range r.regs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RegisterFunc registers a typed handler. The codec work is compiled into
// the stored closures once, at registration: the decode step deserializes
// arguments into I before the handler runs, and the returned O serializes
// with the registry codec. A missing or empty Args payload yields the
// zero I.
func RegisterFunc[I any, O any](r *Registry, name string, fn func(ctx context.Context, tc *Context, in I) (O, error), opts ...Option) error {
	s := r.Serializer()
	decode := func(tc *Context) error {
		var in I
		if args := tc.Args(); len(args) > 0 {
			if err := s.Unmarshal(args, &in); err != nil {
				return err
			}
		}
		tc.input = in
		return nil
	}
	h := func(ctx context.Context, tc *Context) ([]byte, error) {
		in, ok := tc.input.(I)
		if !ok {
			// The caller skipped the decode step (e.g. a direct handler
			// invocation in tests).
			if err := decode(tc); err != nil {
				return nil, err
			}
			in, _ = tc.input.(I)
		}
		out, err := fn(ctx, tc, in)
		if err != nil {
			return nil, err
		}
		b, err := s.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("op=task.RegisterFunc: serialize result for %s: %w", name, err)
		}
		return b, nil
	}
	return r.register(name, h, decode, opts...)
}
