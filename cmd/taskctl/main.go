// Package main is taskrunner's operator CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/taskrunner/internal/apikey"
	"github.com/kiranshivaraju/taskrunner/internal/config"
	"github.com/kiranshivaraju/taskrunner/internal/processor"
	"github.com/kiranshivaraju/taskrunner/internal/queue"
	"github.com/kiranshivaraju/taskrunner/internal/store"
	"github.com/kiranshivaraju/taskrunner/pkg/models"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "taskctl",
		Short:        "Operate a taskrunner deployment",
		SilenceUsage: true,
	}
	root.AddCommand(
		newMigrateCmd(),
		newCreateUserCmd(),
		newTypesCmd(),
		newDeadLettersCmd(),
	)
	return root
}

func newMigrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := store.RunMigrations(cfg.Database.URL, dir); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "migrations", "directory holding the SQL migrations")
	return cmd
}

func newCreateUserCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "create-user USERNAME",
		Short: "Create a user and print its API key",
		Long:  "Create a user and print its API key. The key is shown only once.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			pool, err := store.Connect(cmd.Context(), cfg.Database, "taskctl")
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			return createUser(cmd, store.NewPostgresStore(pool), args[0], email)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email address of the user")
	return cmd
}

type userRegistrar interface {
	RegisterUser(ctx context.Context, user *models.User, key *models.APIKey) error
}

func createUser(cmd *cobra.Command, s userRegistrar, username, email string) error {
	now := time.Now().UTC()
	user := &models.User{
		ID:        uuid.New(),
		Username:  username,
		Email:     email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	raw, key, err := apikey.New(user.ID, "default")
	if err != nil {
		return fmt.Errorf("generate api key: %w", err)
	}
	if err := s.RegisterUser(cmd.Context(), user, key); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return fmt.Errorf("username %q is already taken", username)
		}
		return fmt.Errorf("register user: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "user:    %s (%s)\n", user.Username, user.ID)
	fmt.Fprintf(out, "api key: %s\n", raw)
	return nil
}

func newTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the registered task types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, t := range processor.NewDefaultRegistry().Types() {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
}

func newDeadLettersCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "Show the most recent dead-lettered messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			broker, err := queue.NewRedisBroker(cfg.Redis.URL, cfg.Tasks.StatusTTL)
			if err != nil {
				return fmt.Errorf("create queue broker: %w", err)
			}
			defer broker.Close()

			return printDeadLetters(cmd, broker, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	return cmd
}

func printDeadLetters(cmd *cobra.Command, b queue.Broker, limit int) error {
	letters, err := b.DeadLetters(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("read dead letters: %w", err)
	}
	if len(letters) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no dead letters")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FAILED AT\tJOB ID\tATTEMPT\tREASON")
	for _, dl := range letters {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
			dl.FailedAt.UTC().Format(time.RFC3339), dl.Message.JobID, dl.Message.Attempt, dl.Reason)
	}
	return tw.Flush()
}
