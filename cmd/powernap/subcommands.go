package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shaneisley/powernap/pkg/trigger"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

// createWakeCommand creates the wake subcommand
func createWakeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "wake",
		Short: "Wake the fleet now",
		Long: `Sends Wake-on-LAN packets to the primary host and any extra hosts.
Hosts that already answer on their probe port are left alone. Intended to
run from the morning cron entry, but safe to run by hand.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTick(cmd, trigger.TickWake)
		},
	}
}

// createShutdownCommand creates the shutdown subcommand
func createShutdownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Shut the fleet down now",
		Long: `Runs the configured shutdown command on the primary host and any
extra hosts that have one, then restores the default schedule for the next
cycle. Hosts that no longer answer on their probe port are skipped.
Intended to run from the evening cron entry powernap itself maintains.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTick(cmd, trigger.TickShutdown)
		},
	}
}

// createMailCommand creates the mail subcommand
func createMailCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mail",
		Short: "Poll the trigger mailbox once",
		Long: `Fetches unseen messages from the trigger mailbox and turns matching
ones into wake, shutdown, or extension actions. Senders must be on the
allowlist for the matched intent, and wake and extension actions spend
weekly credits. Handled messages are deleted from the mailbox; every
message that matched a keyword gets a reply with the outcome.`,
		Args: cobra.NoArgs,
		RunE: runMail,
	}
}

// createStatusCommand creates the status subcommand
func createStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the shutdown deadline and credit ledger",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the powernap version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("powernap %s\n", version)
		},
	}
}
