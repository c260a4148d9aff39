package main

import (
	"fmt"

	"github.com/jiulingyun/wechat-bot/internal/config"

	"github.com/spf13/cobra"
)

func takeoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "takeover",
		Short: "Pause or resume automated replies for a contact",
		Long: `Edits the takeover file. A running gateway picks the change up through
its file watcher, so an operator can take a conversation over without a restart.`,
	}

	open := func() (*config.Takeover, error) {
		cfg, err := config.ReadFile(resolveConfigPath())
		if err != nil {
			return nil, err
		}
		return config.LoadTakeover(cfg.Takeover.Path, logger)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List paused contacts and the control codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := open()
			if err != nil {
				return err
			}
			st := t.Snapshot()
			fmt.Printf("file:   %s\n", t.Path())
			fmt.Printf("pause:  %s\n", st.PauseCode)
			fmt.Printf("resume: %s\n", st.ResumeCode)
			if len(st.Paused) == 0 {
				fmt.Println("no paused contacts")
				return nil
			}
			for _, id := range st.Paused {
				fmt.Printf("  - %s\n", id)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "pause [contact]",
		Short: "Stop automated replies to a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := open()
			if err != nil {
				return err
			}
			if err := t.Pause(args[0]); err != nil {
				return fmt.Errorf("pause %s: %w", args[0], err)
			}
			logger.Info("contact paused", "contact", args[0], "file", t.Path())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "resume [contact]",
		Short: "Hand a contact back to the bot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := open()
			if err != nil {
				return err
			}
			if err := t.Resume(args[0]); err != nil {
				return fmt.Errorf("resume %s: %w", args[0], err)
			}
			logger.Info("contact resumed", "contact", args[0], "file", t.Path())
			return nil
		},
	})

	return cmd
}
