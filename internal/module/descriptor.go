// Package module loads command, event, and task modules from directories,
// validates their metadata, and produces normalized descriptors for the
// dispatch registries and the background scheduler.
package module

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "modbot/pkg/logx"

	"modbot/internal/config"
	"modbot/internal/platform"
)

type Kind string

const (
	KindCommand Kind = "command"
	KindEvent   Kind = "event"
	KindTask    Kind = "task"
)

// Permission is the minimum caller level required to run a command.
type Permission int

const (
	PermUser Permission = iota
	PermAdmin
	PermSuperAdmin
)

func ParsePermission(s string) (Permission, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "user":
		return PermUser, nil
	case "admin":
		return PermAdmin, nil
	case "superadmin", "super_admin", "owner":
		return PermSuperAdmin, nil
	}
	return PermUser, fmt.Errorf("unknown permission %q", s)
}

func (p Permission) String() string {
	switch p {
	case PermAdmin:
		return "admin"
	case PermSuperAdmin:
		return "superadmin"
	default:
		return "user"
	}
}

// ExecuteFunc is the canonical entry point every loaded module is adapted
// to, regardless of which alias (execute/run/on_event) the source declared.
type ExecuteFunc func(ctx context.Context, mc *Context) error

// HookFunc is an optional lifecycle hook (init, stop, on_load, on_unload).
type HookFunc func(ctx context.Context) error

// Descriptor is the normalized, defaulted metadata plus entry point for one
// loaded module. A descriptor is owned by exactly one registry; reload
// replaces it atomically and never mutates a published descriptor.
type Descriptor struct {
	Kind        Kind
	Name        string
	Aliases     []string
	Category    string
	Description string
	Usage       string

	// Priority orders event handlers, higher first. Events only.
	Priority int

	// CooldownSeconds is the per-(user,command) re-invocation interval.
	// Commands only; zero means the loader default applies.
	CooldownSeconds int

	Permission Permission
	Enabled    bool
	DMOnly     bool
	GroupOnly  bool

	// EventTypes the handler subscribes to; "all" is the wildcard.
	EventTypes []string

	// IntervalMS and RunOnStart drive background tasks. Schedule is a
	// reserved cron expression: parsed and retained but never acted on.
	IntervalMS int
	RunOnStart bool
	Schedule   string

	SourcePath string
	LoadedAt   time.Time

	Execute  ExecuteFunc
	Init     HookFunc
	Stop     HookFunc
	OnLoad   HookFunc
	OnUnload HookFunc

	src *luaModule
}

// Interval returns the task interval as a duration.
func (d *Descriptor) Interval() time.Duration {
	if d == nil || d.IntervalMS <= 0 {
		return 0
	}
	return time.Duration(d.IntervalMS) * time.Millisecond
}

func (d *Descriptor) validate() error {
	if d.Name == "" {
		return errors.New("missing required field: name")
	}
	if d.Execute == nil {
		return errors.New("missing entry point (execute, run, or on_event)")
	}
	if d.DMOnly && d.GroupOnly {
		return errors.New("dm_only and group_only are mutually exclusive")
	}
	switch d.Kind {
	case KindEvent:
		if len(d.EventTypes) == 0 {
			return errors.New("event module requires event_types")
		}
	case KindTask:
		if d.IntervalMS <= 0 && !d.RunOnStart {
			return errors.New("task module requires interval > 0 or run_on_start")
		}
	}
	return nil
}

// Context bundles everything a module's entry point may touch. Exactly one
// of Message/Event is set depending on the trigger kind; both are nil for
// background task ticks.
type Context struct {
	API     platform.API
	Message *platform.Message
	Event   *platform.Event

	Args   []string
	Prefix string

	// Config is the snapshot the dispatcher read for this trigger; nil for
	// background task ticks.
	Config *config.Config

	Logger       logx.Logger
	IsAdmin      bool
	IsSuperAdmin bool

	// Registry lets built-in admin modules control the runtime.
	Registry RegistryHandle
}

// Reply sends text back to the triggering thread.
func (mc *Context) Reply(ctx context.Context, text string) error {
	if mc == nil || mc.API == nil {
		return errors.New("no platform api")
	}
	var threadID, msgID string
	switch {
	case mc.Message != nil:
		threadID, msgID = mc.Message.ThreadID, mc.Message.ID
	case mc.Event != nil:
		threadID = mc.Event.ThreadID
	default:
		return errors.New("no trigger to reply to")
	}
	var opt *platform.SendOptions
	if msgID != "" {
		opt = &platform.SendOptions{ReplyTo: msgID}
	}
	_, err := mc.API.SendMessage(ctx, platform.ThreadTarget{ThreadID: threadID}, text, opt)
	return err
}

// Registrar is implemented by every registry a loader feeds.
type Registrar interface {
	Register(d *Descriptor) error
	Unregister(name string)
}

// RegistryHandle is the admin control surface exposed to module contexts.
type RegistryHandle interface {
	CommandNames() []string
	EventNames() []string
	TaskNames() []string

	ReloadCommand(name string) error
	ReloadEvent(name string) error

	StartTask(name string) bool
	StopTask(name string) bool
	ReloadTask(name string) bool
	EnableTask(name string) bool
	DisableTask(name string) bool
	StartAllTasks() int
	TaskStats() TaskStats
	TaskInfo(name string) (TaskInfo, bool)

	SetMaintenance(on bool)
	Maintenance() bool

	DispatchStats() map[string]uint64
}

// TaskStats is the scheduler-wide aggregate.
type TaskStats struct {
	Loaded        int
	Running       int
	Executions    uint64
	Errors        uint64
	LastExecution time.Time
}

// TaskInfo describes one scheduled task.
type TaskInfo struct {
	Name       string
	Enabled    bool
	Running    bool
	RunOnStart bool
	Interval   time.Duration
	Schedule   string
	LastRun    time.Time
	RunCount   uint64
	ErrorCount uint64
	SourcePath string
}
