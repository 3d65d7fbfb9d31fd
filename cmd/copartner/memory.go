package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/copartner/internal/memory"
	"github.com/nidhogg/copartner/internal/store"
)

func init() {
	memCmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and prune the memory log",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List memory records of one tier",
		Run:   runMemoryList,
	}
	list.Flags().String("tier", "long_term", "Tier: session, long_term or topic")
	list.Flags().String("topic", "", "Topic vault slug (topic tier)")
	list.Flags().String("session", "", "Session key (session tier)")
	list.Flags().String("kind", "", "Filter by record kind")
	list.Flags().IntP("limit", "l", 20, "Max results")
	list.Flags().Bool("all-versions", false, "Include superseded versions")

	purge := &cobra.Command{
		Use:   "purge <record-id>",
		Short: "Remove a record and every version in its chain",
		Args:  cobra.ExactArgs(1),
		Run:   runMemoryPurge,
	}

	topics := &cobra.Command{
		Use:   "topics",
		Short: "List topic vaults",
		Run:   runMemoryTopics,
	}

	memCmd.AddCommand(list, purge, topics)
	rootCmd.AddCommand(memCmd)
}

// openMemory opens the SQLite log and replays it into a manager.
func openMemory(cmd *cobra.Command) (*memory.Manager, *store.Store) {
	cfg, err := loadConfig()
	if err != nil {
		exitErr("load config", err)
	}
	logger := zap.NewNop()
	st, err := store.Open(cmd.Context(), cfg.Memory.Path, logger)
	if err != nil {
		exitErr("open store", err)
	}
	mem := memory.NewManager(st.MemoryLog(), nil, logger)
	if err := mem.Load(cmd.Context()); err != nil {
		st.Close()
		exitErr("replay memory", err)
	}
	return mem, st
}

func runMemoryList(cmd *cobra.Command, args []string) {
	tier, _ := cmd.Flags().GetString("tier")
	topic, _ := cmd.Flags().GetString("topic")
	session, _ := cmd.Flags().GetString("session")
	kind, _ := cmd.Flags().GetString("kind")
	limit, _ := cmd.Flags().GetInt("limit")
	all, _ := cmd.Flags().GetBool("all-versions")

	mem, st := openMemory(cmd)
	defer st.Close()

	recs, err := mem.Read(memory.Query{
		Tier:              memory.Tier(tier),
		Topic:             topic,
		SessionID:         session,
		Kind:              memory.RecordKind(kind),
		IncludeSuperseded: all,
		Limit:             limit,
	})
	if err != nil {
		exitErr("list", err)
	}
	printJSON(recs)
}

func runMemoryPurge(cmd *cobra.Command, args []string) {
	mem, st := openMemory(cmd)
	defer st.Close()

	ids, err := mem.Purge(cmd.Context(), args[0])
	if err != nil {
		exitErr("purge", err)
	}
	fmt.Printf("Purged %d record(s).\n", len(ids))
}

func runMemoryTopics(cmd *cobra.Command, args []string) {
	mem, st := openMemory(cmd)
	defer st.Close()
	printJSON(mem.Vaults())
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
