package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/copartner/internal/provider"
)

// ProviderSwitcher lists backends and reorders capability preferences.
type ProviderSwitcher interface {
	Descriptors() []provider.Descriptor
	Preference(c provider.Capability) []string
	SetPreference(c provider.Capability, ids []string)
}

// RegisterProviderCommands registers /providers and /prefer.
func RegisterProviderCommands(reg *Registry, switcher ProviderSwitcher) {
	reg.Register(providersCommand(switcher))
	reg.Register(preferCommand(switcher))
}

func providersCommand(switcher ProviderSwitcher) *Command {
	return &Command{
		Name:        "providers",
		Description: "List registered backends",
		Usage:       "/providers",
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			descs := switcher.Descriptors()
			if len(descs) == 0 {
				return &CommandResult{Content: "No providers registered."}, nil
			}
			var sb strings.Builder
			sb.WriteString("Providers:\n")
			for _, d := range descs {
				where := "cloud"
				if d.OfflineCapable {
					where = "local"
				}
				fmt.Fprintf(&sb, "  %s (%s) %s [%s, %s]\n", d.Name, d.ID, d.Capability, d.Availability, where)
			}
			for _, c := range provider.Capabilities {
				if pref := switcher.Preference(c); len(pref) > 0 {
					fmt.Fprintf(&sb, "Preference %s: %s\n", c, strings.Join(pref, " > "))
				}
			}
			return &CommandResult{Content: sb.String(), Data: descs}, nil
		},
	}
}

func preferCommand(switcher ProviderSwitcher) *Command {
	return &Command{
		Name:        "prefer",
		Description: "Set the provider order for a capability",
		Usage:       "/prefer <inference|stt|tts> <provider_id>...",
		Permission:  RoleBroadcaster,
		Handler: func(_ context.Context, args string, _ *CommandContext) (*CommandResult, error) {
			parts := strings.Fields(args)
			if len(parts) < 2 {
				return &CommandResult{Content: "Usage: /prefer <inference|stt|tts> <provider_id>..."}, nil
			}
			c := provider.Capability(parts[0])
			known := false
			for _, k := range provider.Capabilities {
				known = known || k == c
			}
			if !known {
				return &CommandResult{Content: fmt.Sprintf("Unknown capability %q.", parts[0])}, nil
			}
			switcher.SetPreference(c, parts[1:])
			return &CommandResult{
				Content: fmt.Sprintf("Preference for %s: %s.", c, strings.Join(parts[1:], " > ")),
			}, nil
		},
	}
}
