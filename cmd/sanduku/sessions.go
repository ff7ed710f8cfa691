package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/session"
)

var (
	sessionsConfigPath string
	sessionsUser       string
	destroyKeepVolume  bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage sessions against the store directly",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, destroyed tombstones included",
	RunE:  runSessionsList,
}

var sessionsDestroyCmd = &cobra.Command{
	Use:   "destroy <session-id>",
	Short: "Destroy a session and cascade its child records",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDestroy,
}

func init() {
	for _, cmd := range []*cobra.Command{sessionsListCmd, sessionsDestroyCmd} {
		cmd.Flags().StringVar(&sessionsConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	}
	sessionsListCmd.Flags().StringVar(&sessionsUser, "user", "", "filter by user ID (excludes destroyed tombstones)")
	sessionsDestroyCmd.Flags().BoolVar(&destroyKeepVolume, "keep-volume", false, "preserve the volume for later inspection")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsDestroyCmd)
}

func runSessionsList(_ *cobra.Command, _ []string) error {
	sc, err := adminComponents(sessionsConfigPath)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx := context.Background()

	var sessions []session.Session
	if sessionsUser != "" {
		sessions, err = sc.Registry.ListForUser(ctx, sessionsUser)
	} else {
		sessions, err = sc.Registry.List(ctx)
	}
	if err != nil {
		return err
	}

	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	fmt.Printf("%-36s  %-12s  %-10s  %-20s  %s\n", "ID", "USER", "STATUS", "PROJECT", "LAST ACTIVITY")
	for _, s := range sessions {
		fmt.Printf("%-36s  %-12s  %-10s  %-20s  %s\n",
			s.ID, s.UserID, s.Status, s.ProjectName, s.LastActivity.UTC().Format(time.RFC3339))
	}
	return nil
}

func runSessionsDestroy(_ *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid session id %q: %w", args[0], err)
	}

	sc, err := adminComponents(sessionsConfigPath)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if err := sc.Registry.DestroySession(context.Background(), id, destroyKeepVolume); err != nil {
		return err
	}

	fmt.Printf("session %s destroyed (volume kept: %t)\n", id, destroyKeepVolume)
	return nil
}
