package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "modbot/pkg/logx"

	"modbot/internal/eventbus"
	"modbot/internal/module"
)

// watchDebounce absorbs editor write bursts (truncate + write + chmod) so a
// module is reloaded once per save, not once per syscall.
const watchDebounce = 300 * time.Millisecond

// watchModules hot-reloads module files when they change on disk. A changed
// file that is already registered goes through the loader's reload path; a
// new file is loaded and registered fresh. Errors leave the previous state
// untouched for new files and follow reload semantics otherwise.
func (a *App) watchModules(ctx context.Context) error {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return nil
	}

	kindOf := map[string]module.Kind{}
	var roots []string
	add := func(dirs []string, kind module.Kind) {
		for _, dir := range dirs {
			abs, err := filepath.Abs(dir)
			if err != nil {
				continue
			}
			kindOf[abs] = kind
			roots = append(roots, abs)
		}
	}
	add(cfg.Commands.Directories, module.KindCommand)
	add(cfg.Events.Directories, module.KindEvent)
	add(cfg.Tasks.Directories, module.KindTask)
	if len(roots) == 0 {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	watched := 0
	for _, root := range roots {
		if err := w.Add(root); err != nil {
			a.log.Warn("cannot watch module dir", logx.String("dir", root), logx.Err(err))
			continue
		}
		watched++
		// Subdirectory modules live at <dir>/<name>/module.lua; watch one
		// level down so saves there are seen too.
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				sub := filepath.Join(root, e.Name())
				kindOf[sub] = kindOf[root]
				if err := w.Add(sub); err == nil {
					watched++
				}
			}
		}
	}
	if watched == 0 {
		return nil
	}
	a.log.Info("watching module directories", logx.Int("dirs", watched))

	var (
		mu     sync.Mutex
		timers = map[string]*time.Timer{}
	)
	schedule := func(path string, kind module.Kind) {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := timers[path]; ok {
			t.Stop()
		}
		timers[path] = time.AfterFunc(watchDebounce, func() {
			mu.Lock()
			delete(timers, path)
			mu.Unlock()
			a.reloadPath(ctx, path, kind)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			path, err := filepath.Abs(ev.Name)
			if err != nil || !strings.HasSuffix(path, ".lua") {
				continue
			}
			kind, ok := kindOf[filepath.Dir(path)]
			if !ok {
				continue
			}
			schedule(path, kind)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			a.log.Warn("module watcher error", logx.Err(err))
		}
	}
}

func (a *App) reloadPath(ctx context.Context, path string, kind module.Kind) {
	rctx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()

	a.bus.Publish(eventbus.Event{
		Type: "module.changed",
		Time: time.Now(),
		Data: map[string]string{"path": path, "kind": string(kind)},
	})

	if d := a.descriptorByPath(path, kind); d != nil {
		if kind == module.KindTask {
			// The scheduler owns task lifecycle; its reload keeps the
			// stop-before-unregister ordering.
			a.sched.ReloadTask(rctx, d.Name)
			return
		}
		if _, err := a.loader.Reload(rctx, d); err != nil {
			a.log.Warn("module reload failed",
				logx.String("path", path), logx.String("name", d.Name), logx.Err(err))
		}
		return
	}

	d, err := a.loader.LoadOne(rctx, path, kind)
	if err != nil {
		a.log.Warn("module load failed", logx.String("path", path), logx.Err(err))
		return
	}
	var regErr error
	switch kind {
	case module.KindCommand:
		regErr = a.cmdd.Registry().Register(d)
	case module.KindEvent:
		regErr = a.evd.Registry().Register(d)
	case module.KindTask:
		if regErr = a.sched.Register(d); regErr == nil && d.Enabled {
			a.sched.StartTask(d.Name)
		}
	}
	if regErr != nil {
		a.log.Warn("module register failed", logx.String("path", path), logx.Err(regErr))
		return
	}
	a.log.Info("module hot-loaded", logx.String("name", d.Name), logx.String("path", path))
}

func (a *App) descriptorByPath(path string, kind module.Kind) *module.Descriptor {
	var get func(name string) *module.Descriptor
	var names []string
	switch kind {
	case module.KindCommand:
		get, names = a.cmdd.Registry().Get, a.cmdd.Registry().Names()
	case module.KindEvent:
		get, names = a.evd.Registry().Get, a.evd.Registry().Names()
	case module.KindTask:
		for _, name := range a.sched.Names() {
			if info, ok := a.sched.Info(name); ok && info.SourcePath == path {
				return &module.Descriptor{Kind: kind, Name: name, SourcePath: path}
			}
		}
		return nil
	default:
		return nil
	}
	for _, name := range names {
		if d := get(name); d != nil && d.SourcePath == path {
			return d
		}
	}
	return nil
}
