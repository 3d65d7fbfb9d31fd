package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"
)

// Cooldowns a custom command gets when its definition names none.
const (
	DefaultCooldown     = 3 * time.Second
	DefaultUserCooldown = 10 * time.Second
)

// CustomDefinition is one entry of commands.json.
type CustomDefinition struct {
	Response            string   `json:"response"`
	Description         string   `json:"description,omitempty"`
	Permission          string   `json:"permission,omitempty"`
	CooldownSeconds     *float64 `json:"cooldown_seconds,omitempty"`
	UserCooldownSeconds *float64 `json:"user_cooldown_seconds,omitempty"`
	Enabled             *bool    `json:"enabled,omitempty"`
}

// LoadCustom registers the canned-response commands defined in the JSON
// object at path, keyed by command name. A missing file loads nothing.
// Entries without a response are skipped; a name taken by a built-in
// command is an error.
func LoadCustom(reg *Registry, path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read custom commands: %w", err)
	}
	var defs map[string]CustomDefinition
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse custom commands %s: %w", path, err)
	}

	cmds := make([]*Command, 0, len(defs))
	for raw, def := range defs {
		name := strings.ToLower(strings.TrimLeft(strings.TrimSpace(raw), "!/"))
		response := strings.TrimSpace(def.Response)
		if name == "" || strings.ContainsAny(name, " \t") || response == "" {
			continue
		}
		if existing, ok := reg.Get(name); ok && !existing.custom {
			return nil, fmt.Errorf("custom command %q shadows a built-in command", name)
		}
		cmds = append(cmds, customCommand(name, response, def))
	}
	names := make([]string, 0, len(cmds))
	for _, c := range cmds {
		reg.Register(c)
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names, nil
}

func customCommand(name, response string, def CustomDefinition) *Command {
	seconds := func(v *float64, fallback time.Duration) time.Duration {
		if v == nil || *v <= 0 {
			return fallback
		}
		return time.Duration(*v * float64(time.Second))
	}
	desc := def.Description
	if desc == "" {
		desc = "Custom command"
	}
	return &Command{
		Name:         name,
		Description:  desc,
		Usage:        "!" + name,
		Permission:   ParseRole(def.Permission),
		Cooldown:     seconds(def.CooldownSeconds, DefaultCooldown),
		UserCooldown: seconds(def.UserCooldownSeconds, DefaultUserCooldown),
		Disabled:     def.Enabled != nil && !*def.Enabled,
		custom:       true,
		Handler: func(_ context.Context, args string, cc *CommandContext) (*CommandResult, error) {
			user := cc.User
			if user == "" {
				user = "friend"
			}
			out := strings.NewReplacer("{{user}}", user, "{{args}}", args).Replace(response)
			return &CommandResult{Content: out, Data: map[string]string{"command": name}}, nil
		},
	}
}
