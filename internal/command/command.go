package command

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/nidhogg/copartner/internal/intent"
)

// Role ranks who may run a command. Higher roles include the lower ones.
type Role int

const (
	RoleEveryone Role = iota
	RoleSubscriber
	RoleVIP
	RoleModerator
	RoleBroadcaster
)

var roleNames = []string{"everyone", "subscriber", "vip", "moderator", "broadcaster"}

func (r Role) String() string {
	if r < RoleEveryone || int(r) >= len(roleNames) {
		return roleNames[0]
	}
	return roleNames[r]
}

// ParseRole maps a role name to its Role. Unknown names are everyone.
func ParseRole(s string) Role {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range roleNames {
		if n == s {
			return Role(i)
		}
	}
	return RoleEveryone
}

// Result statuses.
const (
	StatusOK       = "ok"
	StatusUnknown  = "unknown_command"
	StatusDisabled = "disabled"
	StatusBlocked  = "blocked"
	StatusCooldown = "cooldown"
	StatusError    = "error"
)

// Command represents a slash command.
type Command struct {
	Name        string
	Description string
	Usage       string
	// Permission is the lowest role allowed to run the command.
	Permission Role
	// Cooldown spaces any two uses; UserCooldown spaces two uses by the
	// same user.
	Cooldown     time.Duration
	UserCooldown time.Duration
	Disabled     bool
	Handler      CommandHandler

	custom bool // loaded from a commands file
}

// CommandHandler is the function signature for command execution.
type CommandHandler func(ctx context.Context, args string, cc *CommandContext) (*CommandResult, error)

// CommandContext describes where a command came from.
type CommandContext struct {
	Source        string // cli, hud, api, voice_input, chat
	SessionID     string
	CorrelationID string
	User          string
	Role          Role
}

// CommandResult holds the output of a command.
type CommandResult struct {
	Status  string `json:"status"`
	Content string `json:"content"`
	Data    any    `json:"data,omitempty"`
	// Intent is set by commands that change state. The caller hands it to
	// the reasoning loop instead of replying with Content.
	Intent *intent.Intent `json:"-"`
}

// Registry holds all registered commands.
type Registry struct {
	commands map[string]*Command
	mu       sync.RWMutex

	now   func() time.Time
	useMu sync.Mutex
	until map[string]time.Time // cooldown key -> end of cooldown
}

// NewRegistry creates an empty command registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]*Command),
		now:      time.Now,
		until:    make(map[string]time.Time),
	}
}

// Register adds a command to the registry.
func (r *Registry) Register(cmd *Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[cmd.Name] = cmd
}

// Get returns the command registered under name.
func (r *Registry) Get(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// IsCommand reports whether input is addressed to the registry: "/name"
// from a console or "!name" from chat.
func IsCommand(input string) bool {
	s := strings.TrimSpace(input)
	if len(s) < 2 {
		return false
	}
	switch s[0] {
	case '/':
		return s[1] != '/' && s[1] != ' '
	case '!':
		return unicode.IsLetter(rune(s[1]))
	}
	return false
}

// Dispatch parses a command string, enforces the command's role and
// cooldowns, and executes the matching handler.
func (r *Registry) Dispatch(ctx context.Context, input string, cc *CommandContext) (*CommandResult, error) {
	// Parse: "/command_name args..." or "!command_name args..."
	input = strings.TrimSpace(input)
	prefix := "/"
	if strings.HasPrefix(input, "!") {
		prefix = "!"
	}
	input = strings.TrimPrefix(input, prefix)
	name, args, _ := strings.Cut(input, " ")
	name = strings.ToLower(name)
	args = strings.TrimSpace(args)
	if cc == nil {
		cc = &CommandContext{}
	}

	cmd, ok := r.Get(name)
	if !ok {
		return &CommandResult{
			Status:  StatusUnknown,
			Content: fmt.Sprintf("Unknown command: %s%s. Type %shelp for available commands.", prefix, name, prefix),
		}, nil
	}
	if cmd.Disabled {
		return &CommandResult{Status: StatusDisabled, Content: fmt.Sprintf("Command disabled: %s%s", prefix, name)}, nil
	}
	if cc.Role < cmd.Permission {
		return &CommandResult{
			Status:  StatusBlocked,
			Content: fmt.Sprintf("%s%s needs the %s role.", prefix, name, cmd.Permission),
		}, nil
	}
	if wait := r.take(cmd, cc.User); wait > 0 {
		secs := math.Ceil(wait.Seconds()*10) / 10
		return &CommandResult{
			Status:  StatusCooldown,
			Content: fmt.Sprintf("Cooldown active. Try again in %.1fs.", secs),
			Data:    map[string]float64{"retry_after_seconds": secs},
		}, nil
	}

	res, err := cmd.Handler(ctx, args, cc)
	if err != nil {
		return nil, err
	}
	if res.Status == "" {
		res.Status = StatusOK
	}
	return res, nil
}

// take starts the command's cooldowns, or reports how long until they end.
func (r *Registry) take(cmd *Command, user string) time.Duration {
	if cmd.Cooldown <= 0 && cmd.UserCooldown <= 0 {
		return 0
	}
	r.useMu.Lock()
	defer r.useMu.Unlock()
	now := r.now()
	global, perUser := cmd.Name, cmd.Name+"\x00"+user
	for _, k := range []string{global, perUser} {
		if end, ok := r.until[k]; ok && now.Before(end) {
			return end.Sub(now)
		}
	}
	for k, end := range r.until {
		if !now.Before(end) {
			delete(r.until, k)
		}
	}
	if cmd.Cooldown > 0 {
		r.until[global] = now.Add(cmd.Cooldown)
	}
	if cmd.UserCooldown > 0 {
		r.until[perUser] = now.Add(cmd.UserCooldown)
	}
	return 0
}

// List returns all registered commands sorted by name.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		result = append(result, cmd)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}
