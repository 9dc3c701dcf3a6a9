package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"chatpipe/store"
)

// RunCLI handles subcommand execution when chatpipe is invoked with one
// of the recognized subcommands (version, status, backup). Returns true
// if a subcommand was found and handled, so main can fall through to
// flag-based server startup otherwise.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	root := newRootCmd(dbPath)
	root.SetArgs(args)

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	if !names[args[0]] {
		return false
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return true
}

func newRootCmd(dbPath string) *cobra.Command {
	root := &cobra.Command{
		Use:   "chatpipe",
		Short: "chatpipe chat ingestion core",
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newStatusCmd(dbPath))
	root.AddCommand(newBackupCmd(dbPath))
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the chatpipe version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("chatpipe %s\n", Version)
			return nil
		},
	}
}

func newStatusCmd(dbPath string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print persisted message count and database path",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.New(dbPath, nil)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer st.Close()

			name, ok, err := st.GetSetting("server_name")
			if err != nil {
				return fmt.Errorf("reading server_name: %w", err)
			}
			if !ok {
				name = "chatpipe"
			}
			count, err := st.MessageCount()
			if err != nil {
				return fmt.Errorf("counting messages: %w", err)
			}

			out := cmd.OutOrStdout()
			bold := color.New(color.Bold)
			bold.Fprintf(out, "Server: ")
			fmt.Fprintln(out, name)
			bold.Fprintf(out, "Database: ")
			fmt.Fprintln(out, dbPath)
			bold.Fprintf(out, "Messages: ")
			fmt.Fprintln(out, count)
			bold.Fprintf(out, "Version: ")
			fmt.Fprintln(out, Version)
			return nil
		},
	}
}

func newBackupCmd(dbPath string) *cobra.Command {
	return &cobra.Command{
		Use:   "backup [destination]",
		Short: "write a consistent backup of the database (VACUUM INTO)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.New(dbPath, nil)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer st.Close()

			outPath := "chatpipe-backup.db"
			if len(args) > 0 {
				outPath = args[0]
			}
			if err := st.Backup(outPath); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}
			color.Green("Database backed up to %s", outPath)
			return nil
		},
	}
}
