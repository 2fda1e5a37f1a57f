package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "modbot/pkg/logx"

	"modbot/internal/config"
	"modbot/internal/module"
	"modbot/internal/platform"
)

type fakeAPI struct {
	mu      sync.Mutex
	sent    []string
	deleted []platform.MessageRef
}

func (f *fakeAPI) SendMessage(_ context.Context, to platform.ThreadTarget, text string, _ *platform.SendOptions) (platform.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return platform.MessageRef{ThreadID: to.ThreadID, MessageID: "out"}, nil
}

func (f *fakeAPI) GetUserInfo(_ context.Context, id string) (platform.UserInfo, error) {
	return platform.UserInfo{ID: id}, nil
}

func (f *fakeAPI) GetThreadInfo(_ context.Context, id string) (platform.ThreadInfo, error) {
	return platform.ThreadInfo{ID: id}, nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, ref platform.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeAPI) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeAPI) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func testConfig() *config.Config {
	return &config.Config{
		Prefix: config.PrefixConfig{
			Primary:    "!",
			Alternates: []string{"?"},
			Self:       "$",
		},
		Access: config.AccessConfig{
			Admins:      []string{"admin1"},
			SuperAdmins: []string{"root1"},
		},
	}
}

func cmdDesc(name string, cooldown int, fn module.ExecuteFunc) *module.Descriptor {
	if fn == nil {
		fn = func(context.Context, *module.Context) error { return nil }
	}
	return &module.Descriptor{
		Kind:            module.KindCommand,
		Name:            name,
		CooldownSeconds: cooldown,
		Enabled:         true,
		Permission:      module.PermUser,
		Execute:         fn,
	}
}

func newTestDispatcher(cfg *config.Config, api *fakeAPI) (*CommandDispatcher, *CommandRegistry) {
	reg := NewCommandRegistry()
	cd := NewCommandDispatcher(CommandDispatcherOptions{
		Registry: reg,
		Config:   func() *config.Config { return cfg },
		API:      api,
		Logger:   logx.Nop(),
		Maint:    NewMaintenance(cfg.Maintenance.Enabled, cfg.Maintenance.Message, time.Minute),
	})
	return cd, reg
}

func groupMsg(id, sender, body string) *platform.Message {
	return &platform.Message{ID: id, ThreadID: "t1", SenderID: sender, Body: body, IsGroup: true}
}

func dmMsg(id, sender, body string) *platform.Message {
	return &platform.Message{ID: id, ThreadID: "dm1", SenderID: sender, Body: body}
}

func TestTokenize(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []string
	}{
		{`weather "new york"`, []string{"weather", "new york"}},
		{`say 'a b' c`, []string{"say", "a b", "c"}},
		{`  spaced   out  `, []string{"spaced", "out"}},
		{`esc\ aped`, []string{"esc aped"}},
		{``, nil},
		{`   `, nil},
	}
	for _, tc := range cases {
		got := Tokenize(tc.in)
		if len(got) != len(tc.want) {
			t.Fatalf("Tokenize(%q) = %v, want %v", tc.in, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("Tokenize(%q)[%d] = %q, want %q", tc.in, i, got[i], tc.want[i])
			}
		}
	}
}

func TestResolveAliasEquivalence(t *testing.T) {
	t.Parallel()
	reg := NewCommandRegistry()
	d := cmdDesc("weather", 0, nil)
	d.Aliases = []string{"w", "forecast"}
	if err := reg.Register(d); err != nil {
		t.Fatalf("register: %v", err)
	}

	for _, tok := range []string{"weather", "w", "forecast", "WEATHER", "W"} {
		if got := reg.Resolve(tok, false); got != d {
			t.Fatalf("Resolve(%q) != canonical descriptor", tok)
		}
	}
	if reg.Resolve("Weather", true) != nil {
		t.Fatalf("case-sensitive resolve should reject Weather")
	}
	if reg.Resolve("weather", true) != d {
		t.Fatalf("case-sensitive resolve should accept exact name")
	}
}

func TestRegisterRejectsCollisions(t *testing.T) {
	t.Parallel()
	reg := NewCommandRegistry()
	a := cmdDesc("ping", 0, nil)
	a.Aliases = []string{"p"}
	if err := reg.Register(a); err != nil {
		t.Fatalf("register: %v", err)
	}
	b := cmdDesc("pong", 0, nil)
	b.Aliases = []string{"p"}
	if err := reg.Register(b); err == nil {
		t.Fatalf("expected alias collision error")
	}
	c := cmdDesc("p", 0, nil)
	if err := reg.Register(c); err == nil {
		t.Fatalf("expected name/alias collision error")
	}
}

func TestRegisterReplaceInPlace(t *testing.T) {
	t.Parallel()
	reg := NewCommandRegistry()
	old := cmdDesc("weather", 3, nil)
	old.Aliases = []string{"w"}
	if err := reg.Register(old); err != nil {
		t.Fatalf("register: %v", err)
	}
	updated := cmdDesc("weather", 7, nil)
	updated.Aliases = []string{"wx"}
	if err := reg.Register(updated); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if reg.Resolve("w", false) != nil {
		t.Fatalf("stale alias survived replace")
	}
	if got := reg.Resolve("wx", false); got == nil || got.CooldownSeconds != 7 {
		t.Fatalf("new alias not installed")
	}
}

func TestDispatchExecutesWithQuotedArgs(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	api := &fakeAPI{}
	cd, reg := newTestDispatcher(cfg, api)

	var gotArgs []string
	var gotPrefix string
	d := cmdDesc("weather", 0, func(_ context.Context, mc *module.Context) error {
		gotArgs = mc.Args
		gotPrefix = mc.Prefix
		return nil
	})
	if err := reg.Register(d); err != nil {
		t.Fatalf("register: %v", err)
	}

	handled := cd.Dispatch(context.Background(), groupMsg("m1", "u1", `!weather "new york"`))
	if !handled {
		t.Fatalf("dispatch not handled")
	}
	if len(gotArgs) != 1 || gotArgs[0] != "new york" {
		t.Fatalf("args = %v, want [new york]", gotArgs)
	}
	if gotPrefix != "!" {
		t.Fatalf("prefix = %q, want !", gotPrefix)
	}
}

func TestPrefixRules(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	api := &fakeAPI{}
	cd, reg := newTestDispatcher(cfg, api)

	var calls atomic.Int64
	if err := reg.Register(cmdDesc("ping", 0, func(context.Context, *module.Context) error {
		calls.Add(1)
		return nil
	})); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	if cd.Dispatch(ctx, groupMsg("m1", "u1", "ping")) {
		t.Fatalf("unprefixed message must not dispatch")
	}
	if !cd.Dispatch(ctx, groupMsg("m2", "u1", "?ping")) {
		t.Fatalf("alternate prefix must dispatch")
	}
	if !cd.Dispatch(ctx, groupMsg("m3", "u1", "!PING")) {
		t.Fatalf("case-insensitive resolve must dispatch")
	}

	self := groupMsg("m4", "bot", "!ping")
	self.IsSelf = true
	if cd.Dispatch(ctx, self) {
		t.Fatalf("self message without self prefix must be ignored")
	}
	self2 := groupMsg("m5", "bot", "$ping")
	self2.IsSelf = true
	if !cd.Dispatch(ctx, self2) {
		t.Fatalf("self message with self prefix must dispatch")
	}
	if calls.Load() != 3 {
		t.Fatalf("executions = %d, want 3", calls.Load())
	}

	off := false
	cfg.Prefix.Enabled = &off
	if !cd.Dispatch(ctx, groupMsg("m6", "u1", "ping")) {
		t.Fatalf("with prefixing disabled the whole body is command text")
	}
}

func TestUnknownAndDisabledAreSilent(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	api := &fakeAPI{}
	cd, reg := newTestDispatcher(cfg, api)

	d := cmdDesc("ghost", 0, nil)
	d.Enabled = false
	if err := reg.Register(d); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	if cd.Dispatch(ctx, groupMsg("m1", "u1", "!nosuch")) {
		t.Fatalf("unknown command must not be handled")
	}
	if cd.Dispatch(ctx, groupMsg("m2", "u1", "!ghost")) {
		t.Fatalf("disabled command must not be handled")
	}
	if api.sentCount() != 0 {
		t.Fatalf("silent paths must not reply, got %q", api.lastSent())
	}
}

func TestMaintenanceNotifiesOncePerWindow(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	api := &fakeAPI{}
	cd, reg := newTestDispatcher(cfg, api)
	cd.Maint().Set(true)

	var calls atomic.Int64
	if err := reg.Register(cmdDesc("ping", 0, func(context.Context, *module.Context) error {
		calls.Add(1)
		return nil
	})); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	if cd.Dispatch(ctx, groupMsg("m1", "u1", "!ping")) {
		t.Fatalf("maintenance must block non-admin")
	}
	if cd.Dispatch(ctx, groupMsg("m2", "u1", "!ping")) {
		t.Fatalf("maintenance must block non-admin")
	}
	if api.sentCount() != 1 {
		t.Fatalf("notifications = %d, want exactly 1 per window", api.sentCount())
	}

	if !cd.Dispatch(ctx, groupMsg("m3", "admin1", "!ping")) {
		t.Fatalf("admin must pass during maintenance")
	}
	if calls.Load() != 1 {
		t.Fatalf("executions = %d, want 1 (admin only)", calls.Load())
	}
}

func TestBlocklists(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Access.BlockedUsers = []string{"baduser"}
	cfg.Access.BlockedThreads = []string{"t1"}
	api := &fakeAPI{}
	cd, reg := newTestDispatcher(cfg, api)

	var calls atomic.Int64
	if err := reg.Register(cmdDesc("ping", 0, func(context.Context, *module.Context) error {
		calls.Add(1)
		return nil
	})); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	if cd.Dispatch(ctx, groupMsg("m1", "baduser", "!ping")) {
		t.Fatalf("blocked user must be stopped")
	}
	if cd.Dispatch(ctx, groupMsg("m2", "u1", "!ping")) {
		t.Fatalf("blocked thread must stop non-admins")
	}
	if !cd.Dispatch(ctx, groupMsg("m3", "admin1", "!ping")) {
		t.Fatalf("blocked thread must still admit admins")
	}
	if calls.Load() != 1 {
		t.Fatalf("executions = %d, want 1", calls.Load())
	}
	if got := cd.stats.Blocked.Load(); got != 2 {
		t.Fatalf("blocked counter = %d, want 2", got)
	}
}

func TestScopeChecks(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	api := &fakeAPI{}
	cd, reg := newTestDispatcher(cfg, api)

	dm := cmdDesc("whisper", 0, nil)
	dm.DMOnly = true
	grp := cmdDesc("announce", 0, nil)
	grp.GroupOnly = true
	for _, d := range []*module.Descriptor{dm, grp} {
		if err := reg.Register(d); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	ctx := context.Background()
	if cd.Dispatch(ctx, groupMsg("m1", "u1", "!whisper")) {
		t.Fatalf("dmOnly command must not run in a group")
	}
	if !strings.Contains(api.lastSent(), "direct messages") {
		t.Fatalf("expected scope message, got %q", api.lastSent())
	}
	if cd.Dispatch(ctx, dmMsg("m2", "u1", "!announce")) {
		t.Fatalf("groupOnly command must not run in a DM")
	}
	if !strings.Contains(api.lastSent(), "group threads") {
		t.Fatalf("expected scope message, got %q", api.lastSent())
	}

	off := false
	cfg.Commands.AllowGroup = &off
	if cd.Dispatch(ctx, groupMsg("m3", "u1", "!announce")) {
		t.Fatalf("global group flag must block group dispatch")
	}
}

func TestPermissionLevels(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	api := &fakeAPI{}
	cd, reg := newTestDispatcher(cfg, api)

	adminCmd := cmdDesc("kick", 0, nil)
	adminCmd.Permission = module.PermAdmin
	superCmd := cmdDesc("shutdown", 0, nil)
	superCmd.Permission = module.PermSuperAdmin
	for _, d := range []*module.Descriptor{adminCmd, superCmd} {
		if err := reg.Register(d); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	ctx := context.Background()
	if cd.Dispatch(ctx, groupMsg("m1", "u1", "!kick")) {
		t.Fatalf("plain user must not run admin command")
	}
	if !strings.Contains(api.lastSent(), "permission") {
		t.Fatalf("expected permission message, got %q", api.lastSent())
	}
	if !cd.Dispatch(ctx, groupMsg("m2", "admin1", "!kick")) {
		t.Fatalf("admin must run admin command")
	}
	if cd.Dispatch(ctx, groupMsg("m3", "admin1", "!shutdown")) {
		t.Fatalf("admin must not run superadmin command")
	}
	if !cd.Dispatch(ctx, groupMsg("m4", "root1", "!shutdown")) {
		t.Fatalf("superadmin must run superadmin command")
	}
	if !cd.Dispatch(ctx, groupMsg("m5", "root1", "!kick")) {
		t.Fatalf("superadmin must run admin command")
	}
}

func TestCooldownBlocksAndExpires(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	api := &fakeAPI{}
	cd, reg := newTestDispatcher(cfg, api)

	if err := reg.Register(cmdDesc("roll", 3, nil)); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	if !cd.Dispatch(ctx, groupMsg("m1", "u1", "!roll")) {
		t.Fatalf("first dispatch must execute")
	}
	if cd.Dispatch(ctx, groupMsg("m2", "u1", "!roll")) {
		t.Fatalf("second dispatch within the window must be blocked")
	}
	reply := api.lastSent()
	var remaining int
	if _, err := fmt.Sscanf(reply, "Please wait %ds", &remaining); err != nil {
		t.Fatalf("unexpected cooldown reply %q: %v", reply, err)
	}
	if remaining < 1 || remaining > 3 {
		t.Fatalf("remaining = %d, want within [1,3]", remaining)
	}

	// Another user is unaffected.
	if !cd.Dispatch(ctx, groupMsg("m3", "u2", "!roll")) {
		t.Fatalf("cooldown must be per user")
	}

	// Expire the entry and dispatch again.
	cd.cooldowns.Set("u1", "roll", time.Now().Add(-time.Millisecond))
	if !cd.Dispatch(ctx, groupMsg("m4", "u1", "!roll")) {
		t.Fatalf("dispatch after expiry must execute")
	}
}

func TestAdminBypassesCooldown(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	api := &fakeAPI{}
	cd, reg := newTestDispatcher(cfg, api)

	if err := reg.Register(cmdDesc("roll", 30, nil)); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if !cd.Dispatch(ctx, groupMsg(fmt.Sprintf("m%d", i), "admin1", "!roll")) {
			t.Fatalf("admin dispatch %d must bypass cooldown", i)
		}
	}

	// Each successful run still recorded a cooldown; once bypass is off,
	// the next admin dispatch is subject to it.
	off := false
	cfg.Commands.AdminBypassCooldown = &off
	if cd.Dispatch(ctx, groupMsg("m10", "admin1", "!roll")) {
		t.Fatalf("with bypass disabled admins obey cooldowns")
	}
}

func TestDedupExactlyOneExecution(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	api := &fakeAPI{}
	cd, reg := newTestDispatcher(cfg, api)

	var executed atomic.Int64
	if err := reg.Register(cmdDesc("ping", 0, func(context.Context, *module.Context) error {
		executed.Add(1)
		return nil
	})); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	var handled atomic.Int64
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cd.Dispatch(ctx, groupMsg("m1", "u1", "!ping")) {
				handled.Add(1)
			}
		}()
	}
	wg.Wait()

	if executed.Load() != 1 {
		t.Fatalf("executions = %d, want exactly 1 for shared message id", executed.Load())
	}
	if handled.Load() != 1 {
		t.Fatalf("handled = %d, want exactly 1", handled.Load())
	}

	// DMs skip the dedup claim entirely.
	if !cd.Dispatch(ctx, dmMsg("m1", "u1", "!ping")) {
		t.Fatalf("dm dispatch must not consult the group dedup set")
	}
}

func TestDeleteTriggerAfterSuccess(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Commands.DeleteTrigger = true
	api := &fakeAPI{}
	cd, reg := newTestDispatcher(cfg, api)

	if err := reg.Register(cmdDesc("clean", 0, nil)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !cd.Dispatch(context.Background(), groupMsg("m9", "u1", "!clean")) {
		t.Fatalf("dispatch must execute")
	}
	if len(api.deleted) != 1 || api.deleted[0].MessageID != "m9" {
		t.Fatalf("trigger message not deleted: %v", api.deleted)
	}
}

func TestExecutionErrorIsIsolated(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	api := &fakeAPI{}
	cd, reg := newTestDispatcher(cfg, api)

	if err := reg.Register(cmdDesc("boom", 0, func(context.Context, *module.Context) error {
		return fmt.Errorf("kaput")
	})); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(cmdDesc("panicky", 0, func(context.Context, *module.Context) error {
		panic("oh no")
	})); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	if !cd.Dispatch(ctx, groupMsg("m1", "u1", "!boom")) {
		t.Fatalf("failed execution still counts as handled")
	}
	if !cd.Dispatch(ctx, groupMsg("m2", "u1", "!panicky")) {
		t.Fatalf("panicking execution still counts as handled")
	}
	if got := cd.stats.Failed.Load(); got != 2 {
		t.Fatalf("failed counter = %d, want 2", got)
	}
	if cd.stats.Executed.Load() != 0 {
		t.Fatalf("executed counter must stay 0 on failures")
	}
	// Failed executions must not start a cooldown.
	if rem := cd.cooldowns.Remaining("u1", "boom", time.Now()); rem != 0 {
		t.Fatalf("cooldown set despite failure: %v", rem)
	}
}

func TestCooldownTable(t *testing.T) {
	t.Parallel()
	tab := NewCooldownTable()
	now := time.Now()

	tab.Set("u1", "roll", now.Add(2500*time.Millisecond))
	if got := ceilSeconds(tab.Remaining("u1", "roll", now)); got != 3 {
		t.Fatalf("remaining = %ds, want ceil 3", got)
	}
	if got := tab.Remaining("u1", "roll", now.Add(3*time.Second)); got != 0 {
		t.Fatalf("expired entry must read as absent, got %v", got)
	}
	// Lazy eviction removed it.
	if tab.Len() != 0 {
		t.Fatalf("lazy eviction left %d entries", tab.Len())
	}

	tab.Set("u1", "a", now.Add(-time.Second))
	tab.Set("u1", "b", now.Add(time.Hour))
	tab.Sweep(now)
	if tab.Len() != 1 {
		t.Fatalf("sweep kept %d entries, want 1", tab.Len())
	}
}

func TestDedupSet(t *testing.T) {
	t.Parallel()
	d := NewDedupSet(3)
	if !d.Claim("a") {
		t.Fatalf("first claim must win")
	}
	if d.Claim("a") {
		t.Fatalf("second claim must lose")
	}
	if d.Claim("") {
		t.Fatalf("empty id is never claimable")
	}
	d.Clear()
	if !d.Claim("a") {
		t.Fatalf("claim after clear must win")
	}
	// Overflow resets wholesale rather than growing unbounded.
	d.Claim("b")
	d.Claim("c")
	if !d.Claim("d") {
		t.Fatalf("claim at capacity must still win after reset")
	}
	if d.Len() != 1 {
		t.Fatalf("set len = %d after overflow reset, want 1", d.Len())
	}
}

func TestMaintenanceWindow(t *testing.T) {
	t.Parallel()
	m := NewMaintenance(true, "down", 10*time.Second)
	now := time.Now()
	if !m.NotifyAllowed("u1", now) {
		t.Fatalf("first notify must pass")
	}
	if m.NotifyAllowed("u1", now.Add(5*time.Second)) {
		t.Fatalf("second notify within window must be suppressed")
	}
	if !m.NotifyAllowed("u1", now.Add(11*time.Second)) {
		t.Fatalf("notify after window must pass")
	}
	if !m.NotifyAllowed("u2", now) {
		t.Fatalf("window is per user")
	}
	m.Set(false)
	if m.Active() {
		t.Fatalf("maintenance must deactivate")
	}
}
