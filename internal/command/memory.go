package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/copartner/internal/intent"
	"github.com/nidhogg/copartner/internal/memory"
)

// MemoryReader queries memory tiers.
type MemoryReader interface {
	Read(q memory.Query) ([]memory.Record, error)
}

// RegisterMemoryCommands registers /memory and /forget.
func RegisterMemoryCommands(reg *Registry, r MemoryReader) {
	reg.Register(memoryCommand(r))
	reg.Register(forgetCommand())
}

const memoryListLimit = 20

func memoryCommand(r MemoryReader) *Command {
	return &Command{
		Name:        "memory",
		Description: "List long-term facts, or the records of a topic",
		Usage:       "/memory [topic-slug]",
		Handler: func(_ context.Context, args string, _ *CommandContext) (*CommandResult, error) {
			q := memory.Query{Tier: memory.TierLongTerm, Limit: memoryListLimit}
			if args != "" {
				q = memory.Query{Tier: memory.TierTopic, Topic: memory.Slugify(args), Limit: memoryListLimit}
			}
			records, err := r.Read(q)
			if err != nil {
				return &CommandResult{Content: fmt.Sprintf("Failed: %v", err)}, nil
			}
			if len(records) == 0 {
				return &CommandResult{Content: "No memories found."}, nil
			}
			var b strings.Builder
			for _, rec := range records {
				fmt.Fprintf(&b, "  [%s] %s\n", rec.ID, rec.Content)
			}
			return &CommandResult{Content: b.String(), Data: records}, nil
		},
	}
}

func forgetCommand() *Command {
	return &Command{
		Name:        "forget",
		Description: "Permanently delete a memory record and its edits",
		Usage:       "/forget <record_id>",
		Permission:  RoleBroadcaster,
		Handler: func(_ context.Context, args string, _ *CommandContext) (*CommandResult, error) {
			id := strings.TrimSpace(args)
			if id == "" {
				return &CommandResult{Status: StatusError, Content: "Usage: /forget <record_id>"}, nil
			}
			return &CommandResult{
				Content: fmt.Sprintf("Forgetting %s.", id),
				Intent:  commandIntent(intent.PurgeMemory, "/forget "+id, map[string]string{"target": id}),
			}, nil
		},
	}
}
