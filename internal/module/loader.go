package module

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "modbot/pkg/logx"

	"modbot/internal/eventbus"
)

// Defaults are filled into descriptors that omit the corresponding field.
type Defaults struct {
	CooldownSeconds int
}

// Loader reads module files and feeds the per-kind registrars. One
// malformed file never aborts its siblings: errors are collected, logged,
// and counted.
type Loader struct {
	log      logx.Logger
	bus      eventbus.Bus
	defaults Defaults

	registrars map[Kind]Registrar

	loadErrors atomic.Uint64
	loaded     atomic.Uint64
}

func NewLoader(log logx.Logger, bus eventbus.Bus, defaults Defaults) *Loader {
	if defaults.CooldownSeconds < 0 {
		defaults.CooldownSeconds = 0
	}
	return &Loader{
		log:        log,
		bus:        bus,
		defaults:   defaults,
		registrars: map[Kind]Registrar{},
	}
}

// SetRegistrar wires the registry that owns descriptors of the given kind.
// Must be called before loading; the map is not mutated afterwards.
func (ld *Loader) SetRegistrar(kind Kind, r Registrar) {
	ld.registrars[kind] = r
}

// Errors returns the total number of load failures observed so far.
func (ld *Loader) Errors() uint64 { return ld.loadErrors.Load() }

// Loaded returns the total number of descriptors successfully loaded.
func (ld *Loader) Loaded() uint64 { return ld.loaded.Load() }

// LoadDirectory enumerates dir and loads every module in it: *.lua files
// directly, plus one module.lua entry file per subdirectory. A missing root
// is created rather than treated as fatal. Returns the count loaded and
// the per-file errors.
func (ld *Loader) LoadDirectory(ctx context.Context, dir string, kind Kind) (int, []error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, []error{fmt.Errorf("create module root %s: %w", dir, err)}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, []error{fmt.Errorf("read module root %s: %w", dir, err)}
	}

	var (
		count int
		errs  []error
	)
	for _, e := range entries {
		path := ""
		switch {
		case e.IsDir():
			candidate := filepath.Join(dir, e.Name(), "module.lua")
			if _, err := os.Stat(candidate); err != nil {
				continue
			}
			path = candidate
		case strings.EqualFold(filepath.Ext(e.Name()), ".lua"):
			path = filepath.Join(dir, e.Name())
		default:
			continue
		}

		d, err := ld.LoadOne(ctx, path, kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		if err := ld.register(d); err != nil {
			ld.fail(path, kind, err)
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		count++
	}
	return count, errs
}

// LoadOne loads, validates, and defaults a single module file, invoking its
// on_load hook before returning. It does not register the descriptor.
func (ld *Loader) LoadOne(ctx context.Context, path string, kind Kind) (*Descriptor, error) {
	d, err := ld.loadDescriptor(path, kind)
	if err != nil {
		ld.fail(path, kind, err)
		return nil, err
	}

	if d.OnLoad != nil {
		if err := safeHook(ctx, d.OnLoad); err != nil {
			ld.fail(path, kind, err)
			return nil, fmt.Errorf("on_load: %w", err)
		}
	}

	ld.loaded.Add(1)
	if !ld.log.IsZero() {
		ld.log.Debug("module loaded",
			logx.String("name", d.Name),
			logx.String("kind", string(kind)),
			logx.String("path", path),
		)
	}
	ld.publish("module.loaded", d.Name, kind, path)
	return d, nil
}

// Reload replaces a descriptor with a freshly loaded one from the same
// source path. The old descriptor is fully unregistered before the new one
// is loaded, so a failed reload leaves the module absent, never duplicated.
func (ld *Loader) Reload(ctx context.Context, d *Descriptor) (*Descriptor, error) {
	if d == nil {
		return nil, fmt.Errorf("nil descriptor")
	}
	if d.SourcePath == "" {
		return nil, fmt.Errorf("module %s has no source path", d.Name)
	}

	if d.OnUnload != nil {
		if err := safeHook(ctx, d.OnUnload); err != nil && !ld.log.IsZero() {
			ld.log.Warn("on_unload failed",
				logx.String("name", d.Name), logx.Err(err))
		}
	}
	if r := ld.registrars[d.Kind]; r != nil {
		r.Unregister(d.Name)
	}

	nd, err := ld.LoadOne(ctx, d.SourcePath, d.Kind)
	if err != nil {
		return nil, err
	}
	if err := ld.register(nd); err != nil {
		ld.fail(nd.SourcePath, nd.Kind, err)
		return nil, err
	}
	ld.publish("module.reloaded", nd.Name, nd.Kind, nd.SourcePath)
	return nd, nil
}

// loadDescriptor builds a descriptor from a source file. Lua is the only
// on-disk module format; built-in Go modules construct descriptors directly
// and register through the same registrars.
func (ld *Loader) loadDescriptor(path string, kind Kind) (*Descriptor, error) {
	return loadLuaDescriptor(path, kind, ld.defaults)
}

func (ld *Loader) register(d *Descriptor) error {
	r := ld.registrars[d.Kind]
	if r == nil {
		return fmt.Errorf("no registrar for kind %q", d.Kind)
	}
	return r.Register(d)
}

func (ld *Loader) fail(path string, kind Kind, err error) {
	ld.loadErrors.Add(1)
	if !ld.log.IsZero() {
		ld.log.Warn("module load failed",
			logx.String("kind", string(kind)),
			logx.String("path", path),
			logx.Err(err),
		)
	}
	ld.publish("module.failed", "", kind, path)
}

func (ld *Loader) publish(typ, name string, kind Kind, path string) {
	if ld.bus == nil {
		return
	}
	ld.bus.Publish(eventbus.Event{
		Type: typ,
		Time: time.Now(),
		Data: map[string]string{"name": name, "kind": string(kind), "path": path},
	})
}

// safeHook runs a lifecycle hook with panic isolation.
func safeHook(ctx context.Context, h HookFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx)
}
