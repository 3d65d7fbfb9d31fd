package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/copartner/internal/config"
	"github.com/nidhogg/copartner/internal/intent"
	"github.com/nidhogg/copartner/internal/memory"
	"github.com/nidhogg/copartner/internal/skill"
)

// ---------------------------------------------------------------------------
// Narrow views of the core so builtin commands need no concrete types.
// ---------------------------------------------------------------------------

// StatusProvider reports component health.
type StatusProvider interface {
	StatusAll() []ComponentStatus
}

// ComponentStatus describes one supervised component.
type ComponentStatus struct {
	Name   string
	Status string
	Reason string
}

// ModeReader reads the operating mode.
type ModeReader interface {
	Mode() config.Mode
}

// TopicLister lists topic vaults.
type TopicLister interface {
	Vaults() []memory.Vault
}

// SessionClearer drops the short-term state of a session.
type SessionClearer interface {
	ClearSession(sessionKey string)
}

// SkillLister lists available skills.
type SkillLister interface {
	All() []*skill.Skill
}

// ProfileLister reports the safety rule profiles.
type ProfileLister interface {
	Active() string
	Names() []string
}

// ChatControl is the switchboard for answering audience chat.
type ChatControl interface {
	AutoReply() bool
	SetAutoReply(on bool)
	Pending() (intent.Suggestion, bool)
	Release() (intent.Suggestion, bool)
	RespondNow() (intent.Suggestion, bool)
}

// Deps are what the built-in commands act on. Nil members leave their
// commands unregistered. Commands that change mode, profile or topics only
// read through Deps; the change itself is returned as an intent.
type Deps struct {
	Status   StatusProvider
	Mode     ModeReader
	Topics   TopicLister
	Sessions SessionClearer
	Skills   SkillLister
	Profiles ProfileLister
	Chat     ChatControl
}

// commandIntent is the request a state-changing command hands to the
// reasoning loop.
func commandIntent(kind intent.Kind, text string, slots map[string]string) *intent.Intent {
	return &intent.Intent{Kind: kind, Confidence: 1, Text: text, Slots: slots, Rule: "command"}
}

// ---------------------------------------------------------------------------
// RegisterBuiltins wires up the built-in slash commands.
// ---------------------------------------------------------------------------

// RegisterBuiltins registers /ping and /help plus every command whose
// dependency is present.
func RegisterBuiltins(reg *Registry, d Deps) {
	reg.Register(pingCommand())
	reg.Register(helpCommand(reg))
	if d.Status != nil {
		reg.Register(statusCommand(d.Status))
	}
	if d.Mode != nil {
		reg.Register(modeCommand(d.Mode))
	}
	if d.Topics != nil {
		reg.Register(topicsCommand(d.Topics))
		reg.Register(archiveCommand())
	}
	if d.Sessions != nil {
		reg.Register(clearCommand(d.Sessions))
	}
	if d.Skills != nil {
		reg.Register(skillsCommand(d.Skills))
	}
	if d.Profiles != nil {
		reg.Register(profileCommand(d.Profiles))
	}
	if d.Chat != nil {
		registerChatCommands(reg, d.Chat)
	}
}

func pingCommand() *Command {
	return &Command{
		Name:        "ping",
		Description: "Check that the assistant is responsive",
		Usage:       "/ping",
		Handler: func(context.Context, string, *CommandContext) (*CommandResult, error) {
			return &CommandResult{Content: "pong"}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /help
// ---------------------------------------------------------------------------

func helpCommand(reg *Registry) *Command {
	return &Command{
		Name:        "help",
		Description: "List all available commands",
		Usage:       "/help",
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			cmds := reg.List()
			var b strings.Builder
			b.WriteString("Available commands:\n")
			for _, c := range cmds {
				fmt.Fprintf(&b, "  /%s — %s", c.Name, c.Description)
				if c.Permission > RoleEveryone {
					fmt.Fprintf(&b, " [%s]", c.Permission)
				}
				b.WriteByte('\n')
				if c.Usage != "" {
					fmt.Fprintf(&b, "    Usage: %s\n", c.Usage)
				}
			}
			return &CommandResult{Content: b.String()}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /status
// ---------------------------------------------------------------------------

func statusCommand(provider StatusProvider) *Command {
	return &Command{
		Name:        "status",
		Description: "Show component health",
		Usage:       "/status",
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			comps := provider.StatusAll()
			if len(comps) == 0 {
				return &CommandResult{Content: "No components registered."}, nil
			}
			var b strings.Builder
			b.WriteString("Component status:\n")
			for _, c := range comps {
				fmt.Fprintf(&b, "  %s: %s", c.Name, c.Status)
				if c.Reason != "" {
					fmt.Fprintf(&b, " (%s)", c.Reason)
				}
				b.WriteByte('\n')
			}
			return &CommandResult{Content: b.String(), Data: comps}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /mode
// ---------------------------------------------------------------------------

// ParseMode accepts the spellings users type for the two modes.
func ParseMode(s string) (config.Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "offline", "offline_only", "offline-only", "local":
		return config.ModeOfflineOnly, true
	case "hybrid", "online", "cloud":
		return config.ModeHybrid, true
	}
	return "", false
}

func modeCommand(ms ModeReader) *Command {
	return &Command{
		Name:        "mode",
		Description: "Show or change the operating mode",
		Usage:       "/mode [offline_only|hybrid]",
		Permission:  RoleBroadcaster,
		Handler: func(_ context.Context, args string, _ *CommandContext) (*CommandResult, error) {
			if args == "" {
				return &CommandResult{Content: fmt.Sprintf("Mode: %s", ms.Mode())}, nil
			}
			mode, ok := ParseMode(args)
			if !ok {
				return &CommandResult{Status: StatusError, Content: "Usage: /mode [offline_only|hybrid]"}, nil
			}
			return &CommandResult{
				Content: fmt.Sprintf("Switching to %s.", mode),
				Intent:  commandIntent(intent.SwitchMode, "/mode "+args, map[string]string{"mode": string(mode)}),
			}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /topics
// ---------------------------------------------------------------------------

func topicsCommand(lister TopicLister) *Command {
	return &Command{
		Name:        "topics",
		Description: "List topic vaults",
		Usage:       "/topics",
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			vaults := lister.Vaults()
			if len(vaults) == 0 {
				return &CommandResult{Content: "No topics yet."}, nil
			}
			var b strings.Builder
			b.WriteString("Topics:\n")
			for _, v := range vaults {
				fmt.Fprintf(&b, "  %s — %s [%s, %s]\n", v.Slug, v.Title, v.Category, v.Status)
			}
			return &CommandResult{Content: b.String(), Data: vaults}, nil
		},
	}
}

func archiveCommand() *Command {
	return &Command{
		Name:        "archive",
		Description: "Archive a topic vault so it takes no more writes",
		Usage:       "/archive <topic>",
		Permission:  RoleBroadcaster,
		Handler: func(_ context.Context, args string, _ *CommandContext) (*CommandResult, error) {
			if args == "" {
				return &CommandResult{Status: StatusError, Content: "Usage: /archive <topic>"}, nil
			}
			return &CommandResult{
				Content: fmt.Sprintf("Archiving %s.", args),
				Intent:  commandIntent(intent.ArchiveTopic, "/archive "+args, map[string]string{"title": args}),
			}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /clear
// ---------------------------------------------------------------------------

func clearCommand(c SessionClearer) *Command {
	return &Command{
		Name:        "clear",
		Description: "Forget this conversation's short-term memory",
		Usage:       "/clear",
		Permission:  RoleModerator,
		Handler: func(_ context.Context, _ string, cc *CommandContext) (*CommandResult, error) {
			key := cc.SessionID
			if key == "" {
				key = intent.DefaultSession
			}
			c.ClearSession(key)
			return &CommandResult{Content: "Session memory cleared."}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /skills
// ---------------------------------------------------------------------------

func skillsCommand(lister SkillLister) *Command {
	return &Command{
		Name:        "skills",
		Description: "List available skills",
		Usage:       "/skills",
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			skills := lister.All()
			if len(skills) == 0 {
				return &CommandResult{Content: "No skills registered yet."}, nil
			}
			var b strings.Builder
			b.WriteString("Available skills:\n")
			for _, s := range skills {
				fmt.Fprintf(&b, "  %s — %s", s.ID, s.Description)
				if s.Source != "" {
					fmt.Fprintf(&b, " (source: %s)", s.Source)
				}
				b.WriteByte('\n')
			}
			return &CommandResult{Content: b.String()}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /profile
// ---------------------------------------------------------------------------

func profileCommand(ps ProfileLister) *Command {
	return &Command{
		Name:        "profile",
		Description: "Show or switch the safety rule profile",
		Usage:       "/profile [name]",
		Permission:  RoleBroadcaster,
		Handler: func(_ context.Context, args string, _ *CommandContext) (*CommandResult, error) {
			if args == "" {
				return &CommandResult{Content: fmt.Sprintf("Safety profile: %s (available: %s)",
					ps.Active(), strings.Join(ps.Names(), ", "))}, nil
			}
			return &CommandResult{
				Content: fmt.Sprintf("Switching safety profile to %s.", args),
				Intent:  commandIntent(intent.SwitchProfile, "/profile "+args, map[string]string{"profile": args}),
			}, nil
		},
	}
}
