package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/deskmate/internal/config"
	"github.com/user/deskmate/internal/types"
)

func init() {
	rootCmd.AddCommand(threadCmd)
	threadCmd.AddCommand(threadListCmd, threadShowCmd, threadUseCmd)
	threadShowCmd.Flags().Int("limit", 50, "number of messages to show")
}

var threadCmd = &cobra.Command{
	Use:   "thread",
	Short: "Manage conversation threads",
}

var threadListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all threads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store, closeStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		threads, err := store.ListThreads(context.Background())
		if err != nil {
			return fmt.Errorf("list threads: %w", err)
		}
		if len(threads) == 0 {
			fmt.Println("No threads found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tUPDATED\tACTIVE")
		for _, th := range threads {
			active := ""
			if string(th.ID) == cfg.ThreadID {
				active = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				th.ID,
				th.Title,
				th.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
				active,
			)
		}
		return w.Flush()
	},
}

var threadShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a thread's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store, closeStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		limit, _ := cmd.Flags().GetInt("limit")
		ctx := context.Background()
		id := types.ThreadID(args[0])
		th, err := store.GetThread(ctx, id)
		if err != nil {
			return err
		}
		msgs, err := store.Messages(ctx, id, limit)
		if err != nil {
			return fmt.Errorf("load messages: %w", err)
		}

		fmt.Printf("# %s\n\n", th.Title)
		for _, m := range msgs {
			who := "you"
			if m.Role == types.RoleAssistant {
				who = string(m.Agent)
			}
			fmt.Printf("[%s] %s\n", m.Timestamp.Local().Format("15:04"), who)
			for _, te := range m.ToolExecutions {
				fmt.Printf("  tool %s (%s)\n", te.Name, te.Status)
			}
			fmt.Println(strings.TrimSpace(m.Content))
			for i, c := range m.Citations {
				fmt.Printf("  [%d] %s\n", i+1, c.URL)
			}
			if m.Outcome != "" {
				fmt.Printf("  (%s)\n", m.Outcome)
			}
			fmt.Println()
		}
		return nil
	},
}

var threadUseCmd = &cobra.Command{
	Use:   "use <id>",
	Short: "Make a thread the one chat and serve continue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store, closeStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		if _, err := store.GetThread(context.Background(), types.ThreadID(args[0])); err != nil {
			return err
		}
		if err := config.SetValue(cfgPath, "thread_id", args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Now using thread %s.\n", args[0])
		return nil
	},
}
