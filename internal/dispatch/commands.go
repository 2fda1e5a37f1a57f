// Package dispatch routes incoming messages and platform events to loaded
// modules: command resolution and gating, event fanout, cooldowns, dedup
// claims, maintenance suppression, and dispatch statistics.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	logx "modbot/pkg/logx"

	"modbot/internal/config"
	"modbot/internal/eventbus"
	"modbot/internal/module"
	"modbot/internal/platform"
	"modbot/internal/storage"
)

// CommandRegistry indexes command descriptors by canonical name and alias.
// Names are unique case-insensitively; whether Resolve matches
// case-insensitively is configurable.
type CommandRegistry struct {
	mu      sync.RWMutex
	byName  map[string]*module.Descriptor // key: lower-cased canonical name
	byAlias map[string]string             // key: lower-cased alias -> lower name
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		byName:  map[string]*module.Descriptor{},
		byAlias: map[string]string{},
	}
}

// Register installs d, replacing any previous descriptor with the same
// canonical name in place (reload path). Alias collisions with other
// commands are rejected.
func (r *CommandRegistry) Register(d *module.Descriptor) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("invalid descriptor")
	}
	lower := strings.ToLower(d.Name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.byAlias[lower]; ok && owner != lower {
		return fmt.Errorf("command %q collides with an alias of %q", d.Name, owner)
	}
	for _, a := range d.Aliases {
		la := strings.ToLower(a)
		if owner, ok := r.byAlias[la]; ok && owner != lower {
			return fmt.Errorf("alias %q already owned by %q", a, owner)
		}
		if _, ok := r.byName[la]; ok && la != lower {
			return fmt.Errorf("alias %q collides with command %q", a, la)
		}
	}

	// Replace in place: drop the old descriptor's alias entries first so a
	// reload with changed aliases leaves nothing dangling.
	if old, ok := r.byName[lower]; ok {
		for _, a := range old.Aliases {
			delete(r.byAlias, strings.ToLower(a))
		}
	}

	r.byName[lower] = d
	for _, a := range d.Aliases {
		r.byAlias[strings.ToLower(a)] = lower
	}
	return nil
}

func (r *CommandRegistry) Unregister(name string) {
	lower := strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byName[lower]
	if !ok {
		return
	}
	for _, a := range d.Aliases {
		delete(r.byAlias, strings.ToLower(a))
	}
	delete(r.byName, lower)
}

// Resolve maps a name or alias to its descriptor. With caseSensitive set,
// the token must match the declared name/alias byte for byte.
func (r *CommandRegistry) Resolve(token string, caseSensitive bool) *module.Descriptor {
	lower := strings.ToLower(token)

	r.mu.RLock()
	defer r.mu.RUnlock()

	canonical := lower
	if owner, ok := r.byAlias[lower]; ok {
		canonical = owner
	}
	d, ok := r.byName[canonical]
	if !ok {
		return nil
	}
	if caseSensitive && !r.exactMatchLocked(d, token) {
		return nil
	}
	return d
}

func (r *CommandRegistry) exactMatchLocked(d *module.Descriptor, token string) bool {
	if d.Name == token {
		return true
	}
	for _, a := range d.Aliases {
		if a == token {
			return true
		}
	}
	return false
}

func (r *CommandRegistry) Get(name string) *module.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[strings.ToLower(name)]
}

func (r *CommandRegistry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byName))
	for _, d := range r.byName {
		out = append(out, d.Name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *CommandRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// CommandDispatcher applies the gating pipeline to incoming messages.
type CommandDispatcher struct {
	reg   *CommandRegistry
	cfg   func() *config.Config
	api   platform.API
	log   logx.Logger
	stats *Stats
	maint *Maintenance

	cooldowns *CooldownTable
	dedup     *DedupSet

	store storage.Store
	bus   eventbus.Bus

	handle module.RegistryHandle
}

type CommandDispatcherOptions struct {
	Registry  *CommandRegistry
	Config    func() *config.Config
	API       platform.API
	Logger    logx.Logger
	Stats     *Stats
	Maint     *Maintenance
	Cooldowns *CooldownTable
	Dedup     *DedupSet
	Store     storage.Store
	Bus       eventbus.Bus
}

func NewCommandDispatcher(opts CommandDispatcherOptions) *CommandDispatcher {
	d := &CommandDispatcher{
		reg:       opts.Registry,
		cfg:       opts.Config,
		api:       opts.API,
		log:       opts.Logger,
		stats:     opts.Stats,
		maint:     opts.Maint,
		cooldowns: opts.Cooldowns,
		dedup:     opts.Dedup,
		store:     opts.Store,
		bus:       opts.Bus,
	}
	if d.stats == nil {
		d.stats = NewStats(0)
	}
	if d.cooldowns == nil {
		d.cooldowns = NewCooldownTable()
	}
	if d.dedup == nil {
		d.dedup = NewDedupSet(0)
	}
	if d.maint == nil {
		d.maint = NewMaintenance(false, "", 0)
	}
	return d
}

// SetHandle wires the admin control surface exposed to module contexts.
// Called once during app assembly, before dispatch starts.
func (cd *CommandDispatcher) SetHandle(h module.RegistryHandle) { cd.handle = h }

func (cd *CommandDispatcher) Registry() *CommandRegistry { return cd.reg }

func (cd *CommandDispatcher) Maint() *Maintenance { return cd.maint }

// Sweep runs the periodic housekeeping pass: cooldown expiry, wholesale
// dedup clear, maintenance notification marks, stats trim.
func (cd *CommandDispatcher) Sweep(now time.Time) {
	cd.cooldowns.Sweep(now)
	cd.dedup.Clear()
	cd.maint.Sweep(now)
	cd.stats.Trim()
}

// Dispatch runs the gating pipeline for one message. It returns true only
// when a command execution was actually attempted; every earlier
// short-circuit (no prefix, unknown command, blocked, cooldown, lost dedup
// claim) returns false.
func (cd *CommandDispatcher) Dispatch(ctx context.Context, msg *platform.Message) bool {
	if msg == nil {
		return false
	}
	cfg := cd.cfg()
	if cfg == nil {
		return false
	}

	// 1. Prefix extraction.
	text, prefix, ok := cd.extractPrefix(cfg, msg)
	if !ok {
		return false
	}

	// 2. Tokenize (quote aware).
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return false
	}
	name, args := tokens[0], tokens[1:]

	// 3. Resolve; unknown commands stay silent to avoid channel noise.
	d := cd.reg.Resolve(name, cfg.Commands.CaseSensitive)
	if d == nil {
		return false
	}

	// 4. Disabled commands are silently ignored.
	if !d.Enabled {
		return false
	}

	isSuper := containsID(cfg.Access.SuperAdmins, msg.SenderID)
	isAdmin := isSuper || containsID(cfg.Access.Admins, msg.SenderID)
	now := time.Now()

	// 5. Maintenance mode: notify non-admins at most once per window.
	if cd.maint.Active() && !isAdmin {
		cd.stats.Blocked.Add(1)
		if cd.maint.NotifyAllowed(msg.SenderID, now) {
			cd.reply(ctx, msg, cd.maint.Message())
		}
		return false
	}

	// 6. Blocklists. Blocked threads still admit admins.
	if containsID(cfg.Access.BlockedUsers, msg.SenderID) {
		cd.stats.Blocked.Add(1)
		return false
	}
	if containsID(cfg.Access.BlockedThreads, msg.ThreadID) && !isAdmin {
		cd.stats.Blocked.Add(1)
		return false
	}

	// 7. Scope: global allow flags, then per-command dm/group restriction.
	if msg.IsGroup && !cfg.Commands.GroupAllowed() {
		cd.stats.Blocked.Add(1)
		return false
	}
	if !msg.IsGroup && !cfg.Commands.DMAllowed() {
		cd.stats.Blocked.Add(1)
		return false
	}
	if d.DMOnly && msg.IsGroup {
		cd.stats.Blocked.Add(1)
		cd.reply(ctx, msg, fmt.Sprintf("%s only works in direct messages.", d.Name))
		return false
	}
	if d.GroupOnly && !msg.IsGroup {
		cd.stats.Blocked.Add(1)
		cd.reply(ctx, msg, fmt.Sprintf("%s only works in group threads.", d.Name))
		return false
	}

	// 8. Permission level.
	if !permitted(d.Permission, isAdmin, isSuper) {
		cd.stats.Blocked.Add(1)
		cd.reply(ctx, msg, "You don't have permission to use this command.")
		cd.audit(ctx, d, msg, "blocked", "permission denied", 0)
		cd.publish("dispatch.blocked", d.Name, msg)
		return false
	}

	// 9. Cooldown, unless admins bypass it.
	if !(isAdmin && cfg.Commands.BypassCooldown()) {
		if rem := cd.cooldowns.Remaining(msg.SenderID, d.Name, now); rem > 0 {
			cd.stats.Blocked.Add(1)
			cd.reply(ctx, msg, fmt.Sprintf("Please wait %ds before using %s again.", ceilSeconds(rem), d.Name))
			return false
		}
	}

	// 10. Dedup claim: at most one concurrent dispatch per message id in
	// group threads.
	if msg.IsGroup && cfg.Commands.Dedup.IsEnabled() {
		if !cd.dedup.Claim(msg.ID) {
			return false
		}
		if cfg.Commands.Dedup.StorageMirror && cd.store != nil {
			// Best effort only; cross-process exactly-once is out of scope.
			_ = cd.store.PutDedup(ctx, msg.ID, now.Add(time.Minute))
		}
	}

	// 11. Execute, isolated.
	cd.stats.Triggered.Add(1)
	mc := &module.Context{
		API:          cd.api,
		Message:      msg,
		Args:         args,
		Prefix:       prefix,
		Config:       cfg,
		Logger:       cd.log.With(logx.String("command", d.Name)),
		IsAdmin:      isAdmin,
		IsSuperAdmin: isSuper,
		Registry:     cd.handle,
	}

	started := time.Now()
	err := safeExecute(ctx, d.Execute, mc)
	took := time.Since(started)

	if err != nil {
		cd.stats.Failed.Add(1)
		cd.stats.TouchModule(d.Name)
		if !cd.log.IsZero() {
			cd.log.Warn("command failed",
				logx.String("command", d.Name),
				logx.String("sender", msg.SenderID),
				logx.Duration("took", took),
				logx.Err(err),
			)
		}
		cd.reply(ctx, msg, "Command failed, please try again later.")
		cd.audit(ctx, d, msg, "failed", err.Error(), took)
		cd.publish("dispatch.failed", d.Name, msg)
		return true
	}

	if d.CooldownSeconds > 0 {
		cd.cooldowns.Set(msg.SenderID, d.Name, now.Add(time.Duration(d.CooldownSeconds)*time.Second))
	}
	cd.stats.Executed.Add(1)
	cd.stats.TouchUser(msg.SenderID)
	cd.stats.TouchModule(d.Name)
	cd.audit(ctx, d, msg, "executed", "", took)

	if cfg.Commands.DeleteTrigger && msg.ID != "" {
		// Best effort; some platforms refuse deleting other users' messages.
		_ = cd.api.DeleteMessage(ctx, platform.MessageRef{ThreadID: msg.ThreadID, MessageID: msg.ID})
	}
	return true
}

// extractPrefix strips the command prefix per configuration. Bot-self
// messages require the dedicated self prefix exactly; user messages match
// the primary prefix then alternates, case-insensitively unless configured
// otherwise. With prefixing disabled the whole body is command text.
func (cd *CommandDispatcher) extractPrefix(cfg *config.Config, msg *platform.Message) (text, prefix string, ok bool) {
	body := strings.TrimSpace(msg.Body)
	if body == "" {
		return "", "", false
	}

	if msg.IsSelf {
		self := cfg.Prefix.Self
		if self == "" || !strings.HasPrefix(body, self) {
			return "", "", false
		}
		return body[len(self):], self, true
	}

	if !cfg.Prefix.IsEnabled() {
		return body, "", true
	}

	candidates := make([]string, 0, 1+len(cfg.Prefix.Alternates))
	if cfg.Prefix.Primary != "" {
		candidates = append(candidates, cfg.Prefix.Primary)
	}
	candidates = append(candidates, cfg.Prefix.Alternates...)

	for _, p := range candidates {
		if p == "" {
			continue
		}
		if cfg.Prefix.CaseSensitive {
			if strings.HasPrefix(body, p) {
				return body[len(p):], p, true
			}
			continue
		}
		if len(body) >= len(p) && strings.EqualFold(body[:len(p)], p) {
			return body[len(p):], p, true
		}
	}
	return "", "", false
}

func (cd *CommandDispatcher) reply(ctx context.Context, msg *platform.Message, text string) {
	if cd.api == nil || text == "" {
		return
	}
	var opt *platform.SendOptions
	if msg.ID != "" {
		opt = &platform.SendOptions{ReplyTo: msg.ID}
	}
	if _, err := cd.api.SendMessage(ctx, platform.ThreadTarget{ThreadID: msg.ThreadID}, text, opt); err != nil {
		if !cd.log.IsZero() {
			cd.log.Debug("reply failed", logx.String("thread", msg.ThreadID), logx.Err(err))
		}
	}
}

func (cd *CommandDispatcher) audit(ctx context.Context, d *module.Descriptor, msg *platform.Message, outcome, errText string, took time.Duration) {
	if cd.store == nil {
		return
	}
	_ = cd.store.AppendAudit(ctx, storage.AuditEntry{
		At:        time.Now(),
		Kind:      string(d.Kind),
		Module:    d.Name,
		ActorID:   msg.SenderID,
		ThreadID:  msg.ThreadID,
		MessageID: msg.ID,
		Outcome:   outcome,
		Error:     errText,
		TookMS:    took.Milliseconds(),
	})
}

func (cd *CommandDispatcher) publish(typ, name string, msg *platform.Message) {
	if cd.bus == nil {
		return
	}
	cd.bus.Publish(eventbus.Event{
		Type: typ,
		Data: map[string]string{"module": name, "thread": msg.ThreadID, "sender": msg.SenderID},
	})
}

func permitted(required module.Permission, isAdmin, isSuper bool) bool {
	switch required {
	case module.PermSuperAdmin:
		return isSuper
	case module.PermAdmin:
		return isAdmin
	default:
		return true
	}
}

func containsID(list []string, id string) bool {
	if id == "" {
		return false
	}
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

// safeExecute invokes a module entry point with panic isolation.
func safeExecute(ctx context.Context, fn module.ExecuteFunc, mc *module.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	if fn == nil {
		return fmt.Errorf("no entry point")
	}
	return fn(ctx, mc)
}
