package command

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/nidhogg/copartner/internal/intent"
)

func registerChatCommands(reg *Registry, chat ChatControl) {
	reg.Register(autoReplyCommand(chat))
	reg.Register(respondNowCommand(chat))
	reg.Register(respondCommand(chat))
	reg.Register(suggestionCommand(chat))
}

func autoReplyCommand(chat ChatControl) *Command {
	return &Command{
		Name:        "autoreply",
		Description: "Show or switch answering chat without a trigger",
		Usage:       "/autoreply [on|off]",
		Permission:  RoleBroadcaster,
		Handler: func(_ context.Context, args string, _ *CommandContext) (*CommandResult, error) {
			switch strings.ToLower(args) {
			case "":
			case "on", "true", "1":
				chat.SetAutoReply(true)
			case "off", "false", "0":
				chat.SetAutoReply(false)
			default:
				return &CommandResult{Status: StatusError, Content: "Usage: /autoreply [on|off]"}, nil
			}
			state := "off"
			if chat.AutoReply() {
				state = "on"
			}
			return &CommandResult{Content: "Auto-reply is " + state + ".", Data: map[string]bool{"auto_reply": state == "on"}}, nil
		},
	}
}

func respondNowCommand(chat ChatControl) *Command {
	return &Command{
		Name:        "respondnow",
		Description: "Answer the latest chat message, or the next one if none is waiting",
		Usage:       "/respondnow",
		Permission:  RoleBroadcaster,
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			s, ok := chat.RespondNow()
			if !ok {
				return &CommandResult{Content: "I'll answer the next chat message."}, nil
			}
			in := s.Intent
			return &CommandResult{Content: "Answering " + s.User + ".", Intent: &in}, nil
		},
	}
}

func respondCommand(chat ChatControl) *Command {
	return &Command{
		Name:        "respond",
		Description: "Verify and speak the held chat suggestion",
		Usage:       "/respond",
		Permission:  RoleBroadcaster,
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			s, ok := chat.Release()
			if !ok {
				return &CommandResult{Content: "There is no suggestion to respond to."}, nil
			}
			in := withDraft(s.Intent, s.Draft)
			return &CommandResult{Content: "Responding to " + s.User + ".", Intent: &in}, nil
		},
	}
}

func suggestionCommand(chat ChatControl) *Command {
	return &Command{
		Name:        "suggestion",
		Description: "Show the held chat suggestion",
		Usage:       "/suggestion",
		Permission:  RoleModerator,
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			s, ok := chat.Pending()
			if !ok {
				return &CommandResult{Content: "No suggestion is waiting."}, nil
			}
			draft := s.Draft
			if draft == "" {
				draft = "(still drafting)"
			}
			return &CommandResult{
				Content: fmt.Sprintf("%s (%s): %s\nSuggested: %s", s.User, s.Source, s.Intent.Text, draft),
				Data:    s,
			}, nil
		},
	}
}

// withDraft carries an already drafted answer so the loop only verifies it.
func withDraft(in intent.Intent, draft string) intent.Intent {
	if draft == "" {
		return in
	}
	slots := maps.Clone(in.Slots)
	if slots == nil {
		slots = map[string]string{}
	}
	slots["draft"] = draft
	in.Slots = slots
	return in
}
