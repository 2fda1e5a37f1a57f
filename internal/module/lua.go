package module

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Shopify/go-lua"

	"modbot/internal/platform"
)

// luaModule owns one Lua state holding the module table returned by the
// script. States are not goroutine safe, so every call into the module
// serializes on mu. Reload builds a fresh state; dropping the old
// luaModule is the cache eviction.
type luaModule struct {
	mu   sync.Mutex
	l    *lua.State
	path string
}

const moduleGlobal = "__module"

// entryAliases are accepted entry-point names, checked in order. Whichever
// is present is adapted to the canonical Execute.
var entryAliases = []string{"execute", "run", "on_event"}

func loadLuaDescriptor(path string, kind Kind, defaults Defaults) (*Descriptor, error) {
	l := lua.NewState()
	lua.OpenLibraries(l)

	if err := lua.LoadFile(l, path, ""); err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	if err := l.ProtectedCall(0, 1, 0); err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	if l.TypeOf(-1) != lua.TypeTable {
		l.Pop(1)
		return nil, fmt.Errorf("script must return a module table")
	}

	d := &Descriptor{
		Kind:       kind,
		SourcePath: path,
		LoadedAt:   time.Now(),
		Enabled:    true,
		Permission: PermUser,
	}

	d.Name = strings.TrimSpace(tableString(l, -1, "name"))
	d.Aliases = tableStringSlice(l, -1, "aliases")
	d.Category = tableString(l, -1, "category")
	d.Description = tableString(l, -1, "description")
	d.Usage = tableString(l, -1, "usage")
	d.Schedule = tableString(l, -1, "schedule")
	if v, ok := tableInt(l, -1, "priority"); ok {
		d.Priority = v
	}
	if v, ok := tableInt(l, -1, "cooldown"); ok {
		d.CooldownSeconds = v
	}
	if v, ok := tableInt(l, -1, "interval"); ok {
		d.IntervalMS = v
	}
	if v, ok := tableBool(l, -1, "enabled"); ok {
		d.Enabled = v
	}
	if v, ok := tableBool(l, -1, "dm_only"); ok {
		d.DMOnly = v
	}
	if v, ok := tableBool(l, -1, "group_only"); ok {
		d.GroupOnly = v
	}
	if v, ok := tableBool(l, -1, "run_on_start"); ok {
		d.RunOnStart = v
	}
	d.EventTypes = tableStringSlice(l, -1, "event_types")
	if perm := tableString(l, -1, "permissions"); perm != "" {
		p, err := ParsePermission(perm)
		if err != nil {
			l.Pop(1)
			return nil, err
		}
		d.Permission = p
	}

	if d.Kind == KindCommand && d.CooldownSeconds <= 0 {
		d.CooldownSeconds = defaults.CooldownSeconds
	}

	m := &luaModule{l: l, path: path}
	d.src = m

	entry := ""
	for _, name := range entryAliases {
		if tableHasFunction(l, -1, name) {
			entry = name
			break
		}
	}
	if entry != "" {
		d.Execute = m.executeFunc(entry)
	}
	if tableHasFunction(l, -1, "init") {
		d.Init = m.hookFunc("init")
	}
	if tableHasFunction(l, -1, "stop") {
		d.Stop = m.hookFunc("stop")
	}
	if tableHasFunction(l, -1, "on_load") {
		d.OnLoad = m.hookFunc("on_load")
	}
	if tableHasFunction(l, -1, "on_unload") {
		d.OnUnload = m.hookFunc("on_unload")
	}

	// Park the module table in a global; calls retrieve it from there.
	l.SetGlobal(moduleGlobal)

	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (m *luaModule) executeFunc(entry string) ExecuteFunc {
	return func(ctx context.Context, mc *Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		l := m.l
		top := l.Top()
		defer l.SetTop(top)

		l.Global(moduleGlobal)
		l.Field(-1, entry)
		if l.TypeOf(-1) != lua.TypeFunction {
			return fmt.Errorf("%s: entry %q vanished", m.path, entry)
		}
		pushContext(l, ctx, mc)
		if err := l.ProtectedCall(1, 0, 0); err != nil {
			return fmt.Errorf("%s: %w", m.path, err)
		}
		return nil
	}
}

func (m *luaModule) hookFunc(name string) HookFunc {
	return func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		l := m.l
		top := l.Top()
		defer l.SetTop(top)

		l.Global(moduleGlobal)
		l.Field(-1, name)
		if l.TypeOf(-1) != lua.TypeFunction {
			return nil
		}
		if err := l.ProtectedCall(0, 0, 0); err != nil {
			return fmt.Errorf("%s: %s: %w", m.path, name, err)
		}
		return nil
	}
}

// pushContext marshals a module Context into a Lua table and leaves it on
// the stack. The api subtable closes over the Go context, so platform calls
// made by the script observe dispatch cancellation.
func pushContext(l *lua.State, ctx context.Context, mc *Context) {
	l.NewTable()

	l.PushString(mc.Prefix)
	l.SetField(-2, "prefix")
	l.PushBoolean(mc.IsAdmin)
	l.SetField(-2, "is_admin")
	l.PushBoolean(mc.IsSuperAdmin)
	l.SetField(-2, "is_superadmin")

	l.CreateTable(len(mc.Args), 0)
	for i, a := range mc.Args {
		l.PushString(a)
		l.RawSetInt(-2, i+1)
	}
	l.SetField(-2, "args")

	if msg := mc.Message; msg != nil {
		l.CreateTable(0, 6)
		l.PushString(msg.ID)
		l.SetField(-2, "id")
		l.PushString(msg.ThreadID)
		l.SetField(-2, "thread_id")
		l.PushString(msg.SenderID)
		l.SetField(-2, "sender_id")
		l.PushString(msg.Body)
		l.SetField(-2, "body")
		l.PushBoolean(msg.IsGroup)
		l.SetField(-2, "is_group")
		l.PushBoolean(msg.IsSelf)
		l.SetField(-2, "is_self")
		l.SetField(-2, "message")
	}

	if ev := mc.Event; ev != nil {
		l.CreateTable(0, 7)
		l.PushString(ev.Type)
		l.SetField(-2, "type")
		l.PushString(ev.Subtype)
		l.SetField(-2, "subtype")
		l.PushString(ev.ThreadID)
		l.SetField(-2, "thread_id")
		l.PushString(ev.SenderID)
		l.SetField(-2, "sender_id")
		l.PushString(ev.Body)
		l.SetField(-2, "body")
		l.PushBoolean(ev.IsGroup)
		l.SetField(-2, "is_group")
		l.CreateTable(0, len(ev.Data))
		for k, v := range ev.Data {
			l.PushString(v)
			l.SetField(-2, k)
		}
		l.SetField(-2, "data")
		l.SetField(-2, "event")
	}

	if cfg := mc.Config; cfg != nil {
		l.CreateTable(0, 4)
		l.PushString(cfg.Prefix.Primary)
		l.SetField(-2, "prefix")
		l.PushString(cfg.Prefix.Self)
		l.SetField(-2, "self_prefix")
		l.PushInteger(cfg.Commands.DefaultCooldown)
		l.SetField(-2, "default_cooldown")
		l.PushBoolean(cfg.Maintenance.Enabled)
		l.SetField(-2, "maintenance")
		l.SetField(-2, "config")
	}

	pushAPI(l, ctx, mc)
	l.SetField(-2, "api")
}

func pushAPI(l *lua.State, ctx context.Context, mc *Context) {
	l.NewTable()

	l.PushGoFunction(func(l *lua.State) int {
		threadID := lua.CheckString(l, 1)
		text := lua.CheckString(l, 2)
		if mc.API == nil {
			lua.Errorf(l, "platform api unavailable")
			return 0
		}
		ref, err := mc.API.SendMessage(ctx, platform.ThreadTarget{ThreadID: threadID}, text, nil)
		if err != nil {
			lua.Errorf(l, "send_message: %s", err.Error())
			return 0
		}
		l.PushString(ref.MessageID)
		return 1
	})
	l.SetField(-2, "send_message")

	l.PushGoFunction(func(l *lua.State) int {
		text := lua.CheckString(l, 1)
		if err := mc.Reply(ctx, text); err != nil {
			lua.Errorf(l, "reply: %s", err.Error())
			return 0
		}
		return 0
	})
	l.SetField(-2, "reply")

	l.PushGoFunction(func(l *lua.State) int {
		userID := lua.CheckString(l, 1)
		if mc.API == nil {
			lua.Errorf(l, "platform api unavailable")
			return 0
		}
		u, err := mc.API.GetUserInfo(ctx, userID)
		if err != nil {
			lua.Errorf(l, "get_user_info: %s", err.Error())
			return 0
		}
		l.CreateTable(0, 4)
		l.PushString(u.ID)
		l.SetField(-2, "id")
		l.PushString(u.Name)
		l.SetField(-2, "name")
		l.PushString(u.Username)
		l.SetField(-2, "username")
		l.PushBoolean(u.IsAdmin)
		l.SetField(-2, "is_admin")
		return 1
	})
	l.SetField(-2, "get_user_info")

	l.PushGoFunction(func(l *lua.State) int {
		threadID := lua.CheckString(l, 1)
		if mc.API == nil {
			lua.Errorf(l, "platform api unavailable")
			return 0
		}
		t, err := mc.API.GetThreadInfo(ctx, threadID)
		if err != nil {
			lua.Errorf(l, "get_thread_info: %s", err.Error())
			return 0
		}
		l.CreateTable(0, 4)
		l.PushString(t.ID)
		l.SetField(-2, "id")
		l.PushString(t.Name)
		l.SetField(-2, "name")
		l.PushBoolean(t.IsGroup)
		l.SetField(-2, "is_group")
		l.CreateTable(len(t.Members), 0)
		for i, m := range t.Members {
			l.PushString(m)
			l.RawSetInt(-2, i+1)
		}
		l.SetField(-2, "members")
		return 1
	})
	l.SetField(-2, "get_thread_info")

	l.PushGoFunction(func(l *lua.State) int {
		threadID := lua.CheckString(l, 1)
		messageID := lua.CheckString(l, 2)
		if mc.API == nil {
			lua.Errorf(l, "platform api unavailable")
			return 0
		}
		err := mc.API.DeleteMessage(ctx, platform.MessageRef{ThreadID: threadID, MessageID: messageID})
		if err != nil {
			lua.Errorf(l, "delete_message: %s", err.Error())
			return 0
		}
		return 0
	})
	l.SetField(-2, "delete_message")

	l.PushGoFunction(func(l *lua.State) int {
		level := lua.CheckString(l, 1)
		msg := lua.CheckString(l, 2)
		log := mc.Logger
		if log.IsZero() {
			return 0
		}
		switch strings.ToLower(level) {
		case "debug":
			log.Debug(msg)
		case "warn":
			log.Warn(msg)
		case "error":
			log.Error(msg)
		default:
			log.Info(msg)
		}
		return 0
	})
	l.SetField(-2, "log")
}

func tableString(l *lua.State, idx int, key string) string {
	idx = l.AbsIndex(idx)
	l.Field(idx, key)
	defer l.Pop(1)
	if l.TypeOf(-1) != lua.TypeString && l.TypeOf(-1) != lua.TypeNumber {
		return ""
	}
	s, _ := l.ToString(-1)
	return s
}

func tableInt(l *lua.State, idx int, key string) (int, bool) {
	idx = l.AbsIndex(idx)
	l.Field(idx, key)
	defer l.Pop(1)
	if l.TypeOf(-1) != lua.TypeNumber {
		return 0, false
	}
	v, ok := l.ToInteger(-1)
	return v, ok
}

func tableBool(l *lua.State, idx int, key string) (bool, bool) {
	idx = l.AbsIndex(idx)
	l.Field(idx, key)
	defer l.Pop(1)
	if l.TypeOf(-1) != lua.TypeBoolean {
		return false, false
	}
	return l.ToBoolean(-1), true
}

// tableStringSlice reads key as either an array of strings or a single
// string shorthand.
func tableStringSlice(l *lua.State, idx int, key string) []string {
	idx = l.AbsIndex(idx)
	l.Field(idx, key)
	defer l.Pop(1)

	switch l.TypeOf(-1) {
	case lua.TypeString:
		s, _ := l.ToString(-1)
		if s == "" {
			return nil
		}
		return []string{s}
	case lua.TypeTable:
		n := l.RawLength(-1)
		if n == 0 {
			return nil
		}
		out := make([]string, 0, n)
		for i := 1; i <= n; i++ {
			l.RawGetInt(-1, i)
			if s, ok := l.ToString(-1); ok && s != "" {
				out = append(out, s)
			}
			l.Pop(1)
		}
		return out
	default:
		return nil
	}
}

func tableHasFunction(l *lua.State, idx int, key string) bool {
	idx = l.AbsIndex(idx)
	l.Field(idx, key)
	defer l.Pop(1)
	return l.TypeOf(-1) == lua.TypeFunction
}
