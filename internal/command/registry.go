// Package command is the registry of named commands a workspace can run.
//
// Every command has a typed argument struct. Arguments are decoded strictly
// and validated in the parent before any workspace is forked; the worker
// decodes them again before running.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/mattjoyce/snapline/internal/fault"
	"github.com/mattjoyce/snapline/internal/protocol"
	"github.com/mattjoyce/snapline/internal/toolchain"
)

// Args is implemented by every command's argument struct.
type Args interface {
	Validate() error
}

// Param documents one argument for tool schemas and listings.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string | number | integer | boolean | array
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Def describes a registered command.
type Def struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Params      []Param `json:"params"`
}

type entry struct {
	def    Def
	decode func(json.RawMessage) (Args, error)
	run    func(context.Context, *toolchain.Engine, Args) (protocol.Result, error)
}

// Registry maps command names to their definitions.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a command whose arguments decode into T. It panics on a
// duplicate name, which is a programming error.
func Register[T any, PT interface {
	*T
	Args
}](r *Registry, def Def, run func(context.Context, *toolchain.Engine, PT) (protocol.Result, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[def.Name]; dup {
		panic(fmt.Sprintf("command %q registered twice", def.Name))
	}
	r.entries[def.Name] = entry{
		def: def,
		decode: func(raw json.RawMessage) (Args, error) {
			var v T
			if err := decodeStrict(raw, &v); err != nil {
				return nil, err
			}
			return PT(&v), nil
		},
		run: func(ctx context.Context, eng *toolchain.Engine, a Args) (protocol.Result, error) {
			return run(ctx, eng, a.(PT))
		},
	}
}

func decodeStrict(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after arguments")
	}
	return nil
}

// Lookup returns the definition of name.
func (r *Registry) Lookup(name string) (Def, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.def, ok
}

// Defs lists all commands ordered by name.
func (r *Registry) Defs() []Def {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Def, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Decode parses and validates raw arguments for name.
func (r *Registry) Decode(name string, raw json.RawMessage) (Args, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fault.New("decode", "", fault.ErrUnknownCommand, "%q", name)
	}
	args, err := e.decode(raw)
	if err != nil {
		return nil, fault.New("decode", "", fault.ErrInvalidArgs, "%s: %v", name, err)
	}
	if err := args.Validate(); err != nil {
		return nil, fault.New("decode", "", fault.ErrInvalidArgs, "%s: %v", name, err)
	}
	return args, nil
}

// Run decodes raw and runs name against eng. A Go error from the command
// becomes a failed result; Run itself only errors for unknown or invalid
// calls.
func (r *Registry) Run(ctx context.Context, eng *toolchain.Engine, name string, raw json.RawMessage) (protocol.Result, error) {
	args, err := r.Decode(name, raw)
	if err != nil {
		return protocol.Result{}, err
	}
	r.mu.RLock()
	e := r.entries[name]
	r.mu.RUnlock()

	res, err := e.run(ctx, eng, args)
	if err != nil {
		return protocol.Failed(protocol.FailureCommandFailed, err.Error()), nil
	}
	if !res.Success && res.FailureKind == protocol.FailureNone {
		res.FailureKind = protocol.FailureCommandFailed
	}
	return res, nil
}
