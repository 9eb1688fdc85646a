package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/daemon"
	"github.com/matheus3301/convsync/internal/lock"
	"github.com/matheus3301/convsync/internal/logging"
	"github.com/matheus3301/convsync/internal/session"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var sessionFlag string

	cmd := &cobra.Command{
		Use:           "convsyncd",
		Short:         "Keep a local copy of a chat inbox in sync with its server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides $CONVSYNC_SESSION and config default)")

	cmd.AddCommand(
		runCmd(&sessionFlag),
		sendCmd(&sessionFlag),
		sessionsCmd(),
	)
	return cmd
}

func runCmd(sessionFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the synchronizer daemon for a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := session.Resolve(*sessionFlag)
			if err != nil {
				return err
			}
			if err := session.EnsureDir(name); err != nil {
				return err
			}
			app := fx.New(daemon.Module(daemon.Params{SessionName: name}))
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func sendCmd(sessionFlag *string) *cobra.Command {
	var (
		conversation string
		timeout      time.Duration
		jsonOut      bool
	)
	cmd := &cobra.Command{
		Use:   "send --conversation <id> <body...>",
		Short: "Send one message and wait for the server to acknowledge it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := session.Resolve(*sessionFlag)
			if err != nil {
				return err
			}
			cfg, err := config.LoadSession(session.SessionConfigPath(name))
			if err != nil {
				return err
			}
			logger, err := logging.NewConsole(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			m, err := daemon.SendOnce(ctx, cfg, conversation, strings.Join(args, " "), logger)
			if err != nil {
				return err
			}
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(m)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", m.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&conversation, "conversation", "c", "", "conversation id")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline including connect and ack")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the acknowledged message as JSON")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List session profiles and whether a daemon holds them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := session.List()
			if err != nil {
				return err
			}
			def, _ := session.Resolve("")
			out := cmd.OutOrStdout()
			for _, name := range names {
				marker := " "
				if name == def {
					marker = "*"
				}
				state := "stopped"
				if h, err := lock.ReadHolder(session.Dir(name)); err == nil && h.PID != 0 {
					state = fmt.Sprintf("running (pid %d)", h.PID)
				}
				fmt.Fprintf(out, "%s %-20s %s\n", marker, name, state)
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "use <name>",
		Short: "Make a session the default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := session.ValidateName(args[0]); err != nil {
				return err
			}
			cfg, err := config.Load(session.ConfigPath())
			if err != nil {
				cfg = &config.Config{}
			}
			cfg.DefaultSession = args[0]
			return config.Save(session.ConfigPath(), cfg)
		},
	})
	return cmd
}
