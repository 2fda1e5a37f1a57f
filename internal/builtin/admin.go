// Package builtin provides the Go-native admin command modules that control
// the runtime: background task management, module reloads, and maintenance
// mode. They register through the same registry as directory-loaded modules.
package builtin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"modbot/internal/module"
)

// Descriptors returns the built-in command set.
func Descriptors() []*module.Descriptor {
	return []*module.Descriptor{
		backgroundCommand(),
		modulesCommand(),
		maintenanceCommand(),
	}
}

// Register installs every built-in command into the command registrar.
func Register(r module.Registrar) error {
	for _, d := range Descriptors() {
		if err := r.Register(d); err != nil {
			return fmt.Errorf("builtin %s: %w", d.Name, err)
		}
	}
	return nil
}

func backgroundCommand() *module.Descriptor {
	return &module.Descriptor{
		Kind:        module.KindCommand,
		Name:        "background",
		Aliases:     []string{"bg", "tasks"},
		Category:    "admin",
		Description: "Manage background tasks",
		Usage:       "background list|start <name>|stop <name>|reload [name]|enable <name>|disable <name>|stats|info <name>",
		Permission:  module.PermAdmin,
		Enabled:     true,
		Execute:     execBackground,
	}
}

func execBackground(ctx context.Context, mc *module.Context) error {
	h := mc.Registry
	if h == nil {
		return fmt.Errorf("registry handle unavailable")
	}
	sub, arg := splitSub(mc.Args)

	switch sub {
	case "", "list":
		names := h.TaskNames()
		if len(names) == 0 {
			return mc.Reply(ctx, "No background tasks loaded.")
		}
		lines := make([]string, 0, len(names))
		for _, name := range names {
			info, ok := h.TaskInfo(name)
			if !ok {
				continue
			}
			lines = append(lines, fmt.Sprintf("%s %s", taskMark(info), name))
		}
		return mc.Reply(ctx, "Background tasks:\n"+strings.Join(lines, "\n"))

	case "start":
		if arg == "" {
			return mc.Reply(ctx, "Usage: background start <name>")
		}
		if !h.StartTask(arg) {
			return mc.Reply(ctx, fmt.Sprintf("Could not start %s.", arg))
		}
		return mc.Reply(ctx, fmt.Sprintf("Started %s.", arg))

	case "stop":
		if arg == "" {
			return mc.Reply(ctx, "Usage: background stop <name>")
		}
		if !h.StopTask(arg) {
			return mc.Reply(ctx, fmt.Sprintf("Unknown task %s.", arg))
		}
		return mc.Reply(ctx, fmt.Sprintf("Stopped %s.", arg))

	case "reload":
		if arg == "" {
			// Reload everything, reporting per-task results.
			names := h.TaskNames()
			okCount := 0
			for _, name := range names {
				if h.ReloadTask(name) {
					okCount++
				}
			}
			return mc.Reply(ctx, fmt.Sprintf("Reloaded %d/%d tasks.", okCount, len(names)))
		}
		if !h.ReloadTask(arg) {
			return mc.Reply(ctx, fmt.Sprintf("Reload of %s failed.", arg))
		}
		return mc.Reply(ctx, fmt.Sprintf("Reloaded %s.", arg))

	case "enable":
		if arg == "" || !h.EnableTask(arg) {
			return mc.Reply(ctx, "Usage: background enable <name>")
		}
		return mc.Reply(ctx, fmt.Sprintf("Enabled %s.", arg))

	case "disable":
		if arg == "" || !h.DisableTask(arg) {
			return mc.Reply(ctx, "Usage: background disable <name>")
		}
		return mc.Reply(ctx, fmt.Sprintf("Disabled %s.", arg))

	case "stats":
		st := h.TaskStats()
		last := "never"
		if !st.LastExecution.IsZero() {
			last = st.LastExecution.Format(time.RFC3339)
		}
		return mc.Reply(ctx, fmt.Sprintf(
			"Tasks: %d loaded, %d running\nExecutions: %d, errors: %d\nLast execution: %s",
			st.Loaded, st.Running, st.Executions, st.Errors, last))

	case "info":
		if arg == "" {
			return mc.Reply(ctx, "Usage: background info <name>")
		}
		info, ok := h.TaskInfo(arg)
		if !ok {
			return mc.Reply(ctx, fmt.Sprintf("Unknown task %s.", arg))
		}
		last := "never"
		if !info.LastRun.IsZero() {
			last = info.LastRun.Format(time.RFC3339)
		}
		return mc.Reply(ctx, fmt.Sprintf(
			"%s %s\ninterval: %s, runOnStart: %v\nruns: %d, errors: %d, last: %s\nsource: %s",
			taskMark(info), info.Name, info.Interval, info.RunOnStart,
			info.RunCount, info.ErrorCount, last, info.SourcePath))

	default:
		return mc.Reply(ctx, "Unknown subcommand. "+backgroundCommand().Usage)
	}
}

func taskMark(info module.TaskInfo) string {
	switch {
	case info.Running:
		return "[running]"
	case !info.Enabled:
		return "[disabled]"
	default:
		return "[stopped]"
	}
}

func modulesCommand() *module.Descriptor {
	return &module.Descriptor{
		Kind:        module.KindCommand,
		Name:        "modules",
		Aliases:     []string{"mods"},
		Category:    "admin",
		Description: "List and reload command/event modules",
		Usage:       "modules list|reload <name>|stats",
		Permission:  module.PermAdmin,
		Enabled:     true,
		Execute:     execModules,
	}
}

func execModules(ctx context.Context, mc *module.Context) error {
	h := mc.Registry
	if h == nil {
		return fmt.Errorf("registry handle unavailable")
	}
	sub, arg := splitSub(mc.Args)

	switch sub {
	case "", "list":
		var b strings.Builder
		b.WriteString("Commands: ")
		b.WriteString(strings.Join(h.CommandNames(), ", "))
		b.WriteString("\nEvents: ")
		b.WriteString(strings.Join(h.EventNames(), ", "))
		b.WriteString("\nTasks: ")
		b.WriteString(strings.Join(h.TaskNames(), ", "))
		return mc.Reply(ctx, b.String())

	case "reload":
		if arg == "" {
			return mc.Reply(ctx, "Usage: modules reload <name>")
		}
		// The name may be a command or an event handler; try both.
		if err := h.ReloadCommand(arg); err == nil {
			return mc.Reply(ctx, fmt.Sprintf("Reloaded command %s.", arg))
		}
		if err := h.ReloadEvent(arg); err == nil {
			return mc.Reply(ctx, fmt.Sprintf("Reloaded event handler %s.", arg))
		}
		return mc.Reply(ctx, fmt.Sprintf("Reload of %s failed.", arg))

	case "stats":
		stats := h.DispatchStats()
		keys := make([]string, 0, len(stats))
		for k := range stats {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("%s: %d", k, stats[k]))
		}
		return mc.Reply(ctx, "Dispatch stats:\n"+strings.Join(lines, "\n"))

	default:
		return mc.Reply(ctx, "Unknown subcommand. "+modulesCommand().Usage)
	}
}

func maintenanceCommand() *module.Descriptor {
	return &module.Descriptor{
		Kind:        module.KindCommand,
		Name:        "maintenance",
		Aliases:     []string{"maint"},
		Category:    "admin",
		Description: "Toggle maintenance mode",
		Usage:       "maintenance on|off|status",
		Permission:  module.PermSuperAdmin,
		Enabled:     true,
		Execute:     execMaintenance,
	}
}

func execMaintenance(ctx context.Context, mc *module.Context) error {
	h := mc.Registry
	if h == nil {
		return fmt.Errorf("registry handle unavailable")
	}
	sub, _ := splitSub(mc.Args)

	switch sub {
	case "on":
		h.SetMaintenance(true)
		return mc.Reply(ctx, "Maintenance mode enabled.")
	case "off":
		h.SetMaintenance(false)
		return mc.Reply(ctx, "Maintenance mode disabled.")
	case "", "status":
		if h.Maintenance() {
			return mc.Reply(ctx, "Maintenance mode is ON.")
		}
		return mc.Reply(ctx, "Maintenance mode is off.")
	default:
		return mc.Reply(ctx, "Usage: "+maintenanceCommand().Usage)
	}
}

func splitSub(args []string) (sub, arg string) {
	if len(args) == 0 {
		return "", ""
	}
	sub = strings.ToLower(args[0])
	if len(args) > 1 {
		arg = args[1]
	}
	return sub, arg
}
