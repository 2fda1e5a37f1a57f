// Package task owns the background scheduler: one recurring cron entry per
// task module, lifecycle hooks (init/execute/stop), per-task run counters,
// and runtime start/stop/reload of individual tasks.
package task

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "modbot/pkg/logx"

	"modbot/internal/eventbus"
	"modbot/internal/module"
	"modbot/internal/platform"
)

// APIProvider resolves the platform capability handed to task executions.
// The scheduler asks the primary first and falls back to the secondary, so
// ticks keep running across adapter reconnects.
type APIProvider func() platform.API

type taskState struct {
	desc      *module.Descriptor
	entryID   cron.EntryID
	scheduled bool
	inited    bool

	lastRun    time.Time
	runCount   uint64
	errorCount uint64
}

// Scheduler drives task modules off a single cron engine using "@every"
// interval entries. All mutation happens under mu; ticks themselves run on
// the cron goroutine and are isolated per task.
type Scheduler struct {
	log logx.Logger
	bus eventbus.Bus

	primary   APIProvider
	secondary APIProvider

	loader *module.Loader

	// maintenance is consulted before every tick; when it reports true the
	// tick is skipped entirely.
	maintenance func() bool

	mu      sync.Mutex
	c       *cron.Cron
	tasks   map[string]*taskState
	running bool

	executions   uint64
	errors       uint64
	lastExecuted time.Time
}

type Options struct {
	Logger      logx.Logger
	Bus         eventbus.Bus
	Loader      *module.Loader
	Primary     APIProvider
	Secondary   APIProvider
	Maintenance func() bool
}

func NewScheduler(opts Options) *Scheduler {
	s := &Scheduler{
		log:         opts.Logger,
		bus:         opts.Bus,
		loader:      opts.Loader,
		primary:     opts.Primary,
		secondary:   opts.Secondary,
		maintenance: opts.Maintenance,
		c:           cron.New(),
		tasks:       map[string]*taskState{},
	}
	if s.maintenance == nil {
		s.maintenance = func() bool { return false }
	}
	return s
}

// Register installs a task descriptor without scheduling it. Implements
// module.Registrar so the loader can feed the scheduler directly.
func (s *Scheduler) Register(d *module.Descriptor) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("invalid descriptor")
	}
	key := strings.ToLower(d.Name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tasks[key]; ok && st.scheduled {
		return fmt.Errorf("task %q is running; stop it before replacing", d.Name)
	}
	if d.Schedule != "" && !s.log.IsZero() {
		// Reserved field: accepted, never acted on.
		s.log.Warn("task declares a cron schedule; schedules are reserved and ignored",
			logx.String("task", d.Name), logx.String("schedule", d.Schedule))
	}
	s.tasks[key] = &taskState{desc: d}
	return nil
}

func (s *Scheduler) Unregister(name string) {
	key := strings.ToLower(name)
	s.mu.Lock()
	st, ok := s.tasks[key]
	if ok && st.scheduled {
		s.c.Remove(st.entryID)
		st.scheduled = false
	}
	delete(s.tasks, key)
	s.mu.Unlock()
}

// Start launches the cron engine. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.c.Start()
	_ = ctx
}

// Stop unschedules everything, runs stop hooks, and halts the engine.
// Safe to call more than once.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		s.StopTask(name)
	}

	stopCtx := s.c.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// StartAll schedules every enabled task and returns the count actually
// started. Disabled tasks are skipped.
func (s *Scheduler) StartAll(ctx context.Context) int {
	s.mu.Lock()
	names := make([]string, 0, len(s.tasks))
	for name, st := range s.tasks {
		if st.desc.Enabled {
			names = append(names, name)
		}
	}
	s.mu.Unlock()
	sort.Strings(names)

	count := 0
	for _, name := range names {
		if s.StartTask(name) {
			count++
		}
	}
	_ = ctx
	return count
}

// StartTask schedules one task. Already-scheduled tasks are a no-op
// returning true. A failing init hook aborts only that task.
func (s *Scheduler) StartTask(name string) bool {
	key := strings.ToLower(name)

	s.mu.Lock()
	st, ok := s.tasks[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if st.scheduled {
		s.mu.Unlock()
		return true
	}
	d := st.desc
	needInit := d.Init != nil && !st.inited
	s.mu.Unlock()

	if needInit {
		if err := s.safeHook(d.Init, d.Name, "init"); err != nil {
			if !s.log.IsZero() {
				s.log.Warn("task init failed, not starting",
					logx.String("task", d.Name), logx.Err(err))
			}
			return false
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok = s.tasks[key]
	if !ok || st.scheduled {
		return ok
	}
	st.inited = true

	if d.RunOnStart {
		// Fire and forget; the tick path carries its own isolation.
		go s.executeTask(key)
	}

	if iv := d.Interval(); iv > 0 {
		id, err := s.c.AddFunc(fmt.Sprintf("@every %s", iv), func() {
			s.executeTask(key)
		})
		if err != nil {
			if !s.log.IsZero() {
				s.log.Warn("task schedule failed",
					logx.String("task", d.Name), logx.Err(err))
			}
			return false
		}
		st.entryID = id
	}
	st.scheduled = true
	s.publish("task.started", d.Name)
	return true
}

// StopTask removes the cron entry first, then runs the stop hook, so the
// hook can never race another in-flight tick registration. Idempotent.
func (s *Scheduler) StopTask(name string) bool {
	key := strings.ToLower(name)

	s.mu.Lock()
	st, ok := s.tasks[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if !st.scheduled {
		s.mu.Unlock()
		return true
	}
	st.scheduled = false
	s.c.Remove(st.entryID)
	st.entryID = 0
	d := st.desc
	s.mu.Unlock()

	if d.Stop != nil {
		if err := s.safeHook(d.Stop, d.Name, "stop"); err != nil && !s.log.IsZero() {
			s.log.Warn("task stop hook failed",
				logx.String("task", d.Name), logx.Err(err))
		}
	}
	s.publish("task.stopped", d.Name)
	return true
}

// ReloadTask stops the task, unloads it, reloads from its source path, and
// restarts it if the scheduler is running. A failed reload leaves the task
// absent rather than duplicated.
func (s *Scheduler) ReloadTask(ctx context.Context, name string) bool {
	key := strings.ToLower(name)

	s.mu.Lock()
	st, ok := s.tasks[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	wasScheduled := st.scheduled
	d := st.desc
	s.mu.Unlock()

	if wasScheduled {
		s.StopTask(name)
	}
	if s.loader == nil {
		return false
	}

	nd, err := s.loader.Reload(ctx, d)
	if err != nil {
		if !s.log.IsZero() {
			s.log.Warn("task reload failed", logx.String("task", d.Name), logx.Err(err))
		}
		return false
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if wasScheduled && running {
		return s.StartTask(nd.Name)
	}
	return true
}

// Enable marks a task eligible for StartAll and starts it if the scheduler
// is running.
func (s *Scheduler) Enable(name string) bool {
	key := strings.ToLower(name)
	s.mu.Lock()
	st, ok := s.tasks[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	st.desc.Enabled = true
	running := s.running
	s.mu.Unlock()
	if running {
		return s.StartTask(name)
	}
	return true
}

// Disable stops a task and excludes it from StartAll.
func (s *Scheduler) Disable(name string) bool {
	key := strings.ToLower(name)
	s.mu.Lock()
	st, ok := s.tasks[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	st.desc.Enabled = false
	s.mu.Unlock()
	s.StopTask(name)
	return true
}

// executeTask is the tick body: maintenance skip, API resolution with
// fallback, isolated execution, counter updates. It never panics out of
// the cron goroutine.
func (s *Scheduler) executeTask(key string) {
	if s.maintenance() {
		return
	}

	s.mu.Lock()
	st, ok := s.tasks[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	d := st.desc
	s.mu.Unlock()

	api := s.resolveAPI()
	mc := &module.Context{
		API:    api,
		Logger: s.log.With(logx.String("task", d.Name)),
	}

	err := s.safeExecute(d, mc)
	now := time.Now()

	s.mu.Lock()
	if st, ok := s.tasks[key]; ok {
		st.lastRun = now
		if err != nil {
			st.errorCount++
			s.errors++
		} else {
			st.runCount++
			s.executions++
			s.lastExecuted = now
		}
	}
	s.mu.Unlock()

	if err != nil {
		if !s.log.IsZero() {
			s.log.Warn("task execution failed", logx.String("task", d.Name), logx.Err(err))
		}
		s.publish("task.failed", d.Name)
	}
}

func (s *Scheduler) resolveAPI() platform.API {
	if s.primary != nil {
		if api := s.primary(); api != nil {
			return api
		}
	}
	if s.secondary != nil {
		return s.secondary()
	}
	return nil
}

// Stats reports the scheduler-wide aggregate.
func (s *Scheduler) Stats() module.TaskStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := module.TaskStats{
		Loaded:        len(s.tasks),
		Executions:    s.executions,
		Errors:        s.errors,
		LastExecution: s.lastExecuted,
	}
	for _, t := range s.tasks {
		if t.scheduled {
			st.Running++
		}
	}
	return st
}

// Info reports one task's state.
func (s *Scheduler) Info(name string) (module.TaskInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[strings.ToLower(name)]
	if !ok {
		return module.TaskInfo{}, false
	}
	d := st.desc
	return module.TaskInfo{
		Name:       d.Name,
		Enabled:    d.Enabled,
		Running:    st.scheduled,
		RunOnStart: d.RunOnStart,
		Interval:   d.Interval(),
		Schedule:   d.Schedule,
		LastRun:    st.lastRun,
		RunCount:   st.runCount,
		ErrorCount: st.errorCount,
		SourcePath: d.SourcePath,
	}, true
}

func (s *Scheduler) Names() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.tasks))
	for _, st := range s.tasks {
		out = append(out, st.desc.Name)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

func (s *Scheduler) safeExecute(d *module.Descriptor, mc *module.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	if d.Execute == nil {
		return fmt.Errorf("no entry point")
	}
	return d.Execute(context.Background(), mc)
}

func (s *Scheduler) safeHook(h module.HookFunc, task, hook string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s %s panic: %v", task, hook, r)
		}
	}()
	return h(context.Background())
}

func (s *Scheduler) publish(typ, name string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: map[string]string{"task": name}})
}
