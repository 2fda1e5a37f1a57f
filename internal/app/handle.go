package app

import (
	"context"
	"fmt"
	"time"

	"modbot/internal/module"
)

// reloadTimeout bounds one admin-triggered reload, including the module's
// on_load hook.
const reloadTimeout = 30 * time.Second

// registryHandle is the admin control surface handed to module contexts.
// It fronts the registries and the scheduler so builtins never hold
// component pointers directly.
type registryHandle struct {
	a *App
}

func (h *registryHandle) CommandNames() []string { return h.a.cmdd.Registry().Names() }
func (h *registryHandle) EventNames() []string   { return h.a.evd.Registry().Names() }
func (h *registryHandle) TaskNames() []string    { return h.a.sched.Names() }

func (h *registryHandle) ReloadCommand(name string) error {
	d := h.a.cmdd.Registry().Get(name)
	if d == nil {
		return fmt.Errorf("unknown command %q", name)
	}
	if d.SourcePath == "" {
		return fmt.Errorf("command %q is built in", name)
	}
	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()
	_, err := h.a.loader.Reload(ctx, d)
	return err
}

func (h *registryHandle) ReloadEvent(name string) error {
	d := h.a.evd.Registry().Get(name)
	if d == nil {
		return fmt.Errorf("unknown event handler %q", name)
	}
	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()
	_, err := h.a.loader.Reload(ctx, d)
	return err
}

func (h *registryHandle) StartTask(name string) bool { return h.a.sched.StartTask(name) }
func (h *registryHandle) StopTask(name string) bool  { return h.a.sched.StopTask(name) }

func (h *registryHandle) ReloadTask(name string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()
	return h.a.sched.ReloadTask(ctx, name)
}

func (h *registryHandle) EnableTask(name string) bool  { return h.a.sched.Enable(name) }
func (h *registryHandle) DisableTask(name string) bool { return h.a.sched.Disable(name) }

func (h *registryHandle) StartAllTasks() int {
	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()
	return h.a.sched.StartAll(ctx)
}

func (h *registryHandle) TaskStats() module.TaskStats { return h.a.sched.Stats() }

func (h *registryHandle) TaskInfo(name string) (module.TaskInfo, bool) { return h.a.sched.Info(name) }

func (h *registryHandle) SetMaintenance(on bool) { h.a.cmdd.Maint().Set(on) }
func (h *registryHandle) Maintenance() bool      { return h.a.cmdd.Maint().Active() }

func (h *registryHandle) DispatchStats() map[string]uint64 { return h.a.stats.Snapshot() }
