package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/mattjoyce/snapline/internal/session"
)

// Pool builds one Orchestrator per session on first use, from a template
// Config whose Session and Root are filled in per session.
type Pool struct {
	store    *session.Store
	template Config

	mu    sync.Mutex
	cache map[string]*Orchestrator
}

var _ Sessions = (*Pool)(nil)

func NewPool(store *session.Store, template Config) *Pool {
	return &Pool{store: store, template: template, cache: make(map[string]*Orchestrator)}
}

// Session resolves name, creating the session if needed.
func (p *Pool) Session(ctx context.Context, name string) (Service, error) {
	return p.Orchestrator(ctx, name)
}

// Orchestrator is Session with the concrete type, for callers that need the
// manager or reader.
func (p *Pool) Orchestrator(ctx context.Context, name string) (*Orchestrator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.cache[name]; ok {
		return o, nil
	}

	sess, err := p.store.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	cfg := p.template
	cfg.Session = sess.Name
	cfg.Root = sess.WorkDir
	cfg.Labels = func(ctx context.Context) (map[string]string, error) {
		return p.store.Settings(ctx, sess.Name)
	}
	if cfg.Finalize.KeyPrefix == "" {
		cfg.Finalize.KeyPrefix = sess.Name
	} else {
		cfg.Finalize.KeyPrefix = cfg.Finalize.KeyPrefix + "/" + sess.Name
	}

	o, err := New(cfg)
	if err != nil {
		return nil, fmt.Errorf("session %q: %w", name, err)
	}
	p.cache[name] = o
	return o, nil
}

func (p *Pool) List(ctx context.Context) ([]session.Session, error) {
	return p.store.List(ctx)
}

func (p *Pool) Settings(ctx context.Context, name string) (map[string]string, error) {
	if _, err := p.store.Get(ctx, name); err != nil {
		return nil, err
	}
	return p.store.Settings(ctx, name)
}

func (p *Pool) SetSetting(ctx context.Context, name, key, value string) error {
	return p.store.SetSetting(ctx, name, key, value)
}
