package builtin

import (
	"context"
	"strings"
	"testing"
	"time"

	"modbot/internal/module"
	"modbot/internal/platform"
)

type fakeHandle struct {
	maintenance bool
	started     []string
	stopped     []string
	reloaded    []string
}

func (h *fakeHandle) CommandNames() []string { return []string{"ping"} }
func (h *fakeHandle) EventNames() []string   { return []string{"welcome"} }
func (h *fakeHandle) TaskNames() []string    { return []string{"beat"} }

func (h *fakeHandle) ReloadCommand(name string) error { h.reloaded = append(h.reloaded, name); return nil }
func (h *fakeHandle) ReloadEvent(string) error        { return nil }

func (h *fakeHandle) StartTask(name string) bool {
	h.started = append(h.started, name)
	return name == "beat"
}
func (h *fakeHandle) StopTask(name string) bool   { h.stopped = append(h.stopped, name); return true }
func (h *fakeHandle) ReloadTask(name string) bool { return name == "beat" }
func (h *fakeHandle) EnableTask(string) bool      { return true }
func (h *fakeHandle) DisableTask(string) bool     { return true }
func (h *fakeHandle) StartAllTasks() int          { return 1 }

func (h *fakeHandle) TaskStats() module.TaskStats {
	return module.TaskStats{Loaded: 1, Running: 1, Executions: 42, Errors: 2, LastExecution: time.Now()}
}

func (h *fakeHandle) TaskInfo(name string) (module.TaskInfo, bool) {
	if name != "beat" {
		return module.TaskInfo{}, false
	}
	return module.TaskInfo{Name: "beat", Enabled: true, Running: true, Interval: time.Minute}, true
}

func (h *fakeHandle) SetMaintenance(on bool) { h.maintenance = on }
func (h *fakeHandle) Maintenance() bool      { return h.maintenance }

func (h *fakeHandle) DispatchStats() map[string]uint64 {
	return map[string]uint64{"executed": 7, "failed": 1}
}

type replyAPI struct{ sent []string }

func (r *replyAPI) SendMessage(_ context.Context, _ platform.ThreadTarget, text string, _ *platform.SendOptions) (platform.MessageRef, error) {
	r.sent = append(r.sent, text)
	return platform.MessageRef{}, nil
}
func (r *replyAPI) GetUserInfo(context.Context, string) (platform.UserInfo, error) {
	return platform.UserInfo{}, nil
}
func (r *replyAPI) GetThreadInfo(context.Context, string) (platform.ThreadInfo, error) {
	return platform.ThreadInfo{}, nil
}
func (r *replyAPI) DeleteMessage(context.Context, platform.MessageRef) error { return nil }

func run(t *testing.T, d *module.Descriptor, h *fakeHandle, args ...string) string {
	t.Helper()
	api := &replyAPI{}
	mc := &module.Context{
		API:      api,
		Message:  &platform.Message{ThreadID: "t1", SenderID: "admin1"},
		Args:     args,
		Registry: h,
		IsAdmin:  true,
	}
	if err := d.Execute(context.Background(), mc); err != nil {
		t.Fatalf("execute %s %v: %v", d.Name, args, err)
	}
	if len(api.sent) != 1 {
		t.Fatalf("%s %v: %d replies, want 1", d.Name, args, len(api.sent))
	}
	return api.sent[0]
}

func findCmd(t *testing.T, name string) *module.Descriptor {
	t.Helper()
	for _, d := range Descriptors() {
		if d.Name == name {
			return d
		}
	}
	t.Fatalf("missing builtin %s", name)
	return nil
}

func TestBuiltinsAreAdminOnly(t *testing.T) {
	t.Parallel()
	for _, d := range Descriptors() {
		if d.Permission < module.PermAdmin {
			t.Fatalf("builtin %s must require at least admin", d.Name)
		}
		if d.Kind != module.KindCommand || d.Execute == nil {
			t.Fatalf("builtin %s malformed", d.Name)
		}
	}
}

func TestBackgroundSubcommands(t *testing.T) {
	t.Parallel()
	bg := findCmd(t, "background")
	h := &fakeHandle{}

	if out := run(t, bg, h, "list"); !strings.Contains(out, "beat") {
		t.Fatalf("list output %q", out)
	}
	if out := run(t, bg, h, "start", "beat"); !strings.Contains(out, "Started beat") {
		t.Fatalf("start output %q", out)
	}
	if out := run(t, bg, h, "start", "nosuch"); !strings.Contains(out, "Could not start") {
		t.Fatalf("start-unknown output %q", out)
	}
	if out := run(t, bg, h, "stats"); !strings.Contains(out, "Executions: 42") {
		t.Fatalf("stats output %q", out)
	}
	if out := run(t, bg, h, "info", "beat"); !strings.Contains(out, "[running] beat") {
		t.Fatalf("info output %q", out)
	}
	if out := run(t, bg, h, "reload"); !strings.Contains(out, "Reloaded 1/1") {
		t.Fatalf("reload-all output %q", out)
	}
}

func TestModulesSubcommands(t *testing.T) {
	t.Parallel()
	mods := findCmd(t, "modules")
	h := &fakeHandle{}

	out := run(t, mods, h, "list")
	for _, want := range []string{"ping", "welcome", "beat"} {
		if !strings.Contains(out, want) {
			t.Fatalf("list output %q missing %s", out, want)
		}
	}
	if out := run(t, mods, h, "reload", "ping"); !strings.Contains(out, "Reloaded command ping") {
		t.Fatalf("reload output %q", out)
	}
	if out := run(t, mods, h, "stats"); !strings.Contains(out, "executed: 7") {
		t.Fatalf("stats output %q", out)
	}
}

func TestMaintenanceToggle(t *testing.T) {
	t.Parallel()
	maint := findCmd(t, "maintenance")
	h := &fakeHandle{}

	if out := run(t, maint, h, "on"); !strings.Contains(out, "enabled") {
		t.Fatalf("on output %q", out)
	}
	if !h.maintenance {
		t.Fatalf("maintenance flag not set")
	}
	if out := run(t, maint, h, "status"); !strings.Contains(out, "ON") {
		t.Fatalf("status output %q", out)
	}
	if out := run(t, maint, h, "off"); !strings.Contains(out, "disabled") {
		t.Fatalf("off output %q", out)
	}
	if h.maintenance {
		t.Fatalf("maintenance flag not cleared")
	}
}
