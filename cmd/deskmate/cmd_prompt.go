package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/deskmate/internal/scheduler"
	"github.com/user/deskmate/internal/state"
)

func init() {
	rootCmd.AddCommand(promptCmd)
	promptCmd.AddCommand(promptAddCmd, promptListCmd, promptRemoveCmd, promptEnableCmd, promptDisableCmd)

	promptAddCmd.Flags().String("name", "", "prompt name (required)")
	promptAddCmd.Flags().String("text", "", "message text (required)")
	promptAddCmd.Flags().String("schedule", "", "cron schedule expression")
	_ = promptAddCmd.MarkFlagRequired("name")
	_ = promptAddCmd.MarkFlagRequired("text")
}

func promptStore() *state.PromptStore {
	cfg := loadConfig()
	return state.NewPromptStore(cfg.PromptsPath())
}

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Manage named and scheduled prompts",
}

var promptAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new prompt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		text, _ := cmd.Flags().GetString("text")
		schedule, _ := cmd.Flags().GetString("schedule")

		if schedule != "" {
			if err := scheduler.Validate(schedule); err != nil {
				return err
			}
		}

		p := &state.Prompt{
			Name:     name,
			Text:     text,
			Schedule: schedule,
			Enabled:  true,
		}
		if err := promptStore().Add(p); err != nil {
			return fmt.Errorf("add prompt: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Prompt %q added.\n", name)
		return nil
	},
}

var promptListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all prompts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompts, err := promptStore().List()
		if err != nil {
			return fmt.Errorf("list prompts: %w", err)
		}

		if len(prompts) == 0 {
			fmt.Println("No prompts configured.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSCHEDULE\tENABLED\tLAST SENT\tTEXT")
		for _, p := range prompts {
			text := p.Text
			if r := []rune(text); len(r) > 40 {
				text = string(r[:37]) + "..."
			}
			sent := "-"
			if !p.LastSent.IsZero() {
				sent = p.LastSent.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n", p.Name, p.Schedule, p.Enabled, sent, text)
		}
		return w.Flush()
	},
}

var promptRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := promptStore().Remove(args[0]); err != nil {
			return fmt.Errorf("remove prompt: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Prompt %q removed.\n", args[0])
		return nil
	},
}

var promptEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := promptStore().SetEnabled(args[0], true); err != nil {
			return fmt.Errorf("enable prompt: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Prompt %q enabled.\n", args[0])
		return nil
	},
}

var promptDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := promptStore().SetEnabled(args[0], false); err != nil {
			return fmt.Errorf("disable prompt: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Prompt %q disabled.\n", args[0])
		return nil
	},
}
