package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/arena/internal/db"
	"golang.org/x/term"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBResetCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Arena tables",
		Long:  "Creates the MySQL database if needed and migrates all tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd)
		},
	}
}

func runDBMigrate(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	secrets, err := loadSecrets(cmd)
	if err != nil {
		return err
	}

	if cfg.Database.Driver == "mysql" {
		adminDB, err := db.ConnectAdmin(cfg.Database, secrets.DatabasePassword)
		if err != nil {
			return err
		}
		if err := db.CreateDatabase(adminDB, cfg.Database.Name); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", cfg.Database.Name)
	}

	if _, err := connectFromConfig(cfg, secrets); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	return nil
}

func newDBResetCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and re-create the Arena tables",
		Long: `Drops every Arena table (the whole database on MySQL) and migrates again.

Asks for confirmation on an interactive terminal. Without a terminal, --yes
is required.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBReset(cmd, yes)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

var errNeedConfirmation = errors.New("refusing to reset without --yes when stdin is not a terminal")

func runDBReset(cmd *cobra.Command, skipConfirm bool) error {
	out := cmd.OutOrStdout()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	secrets, err := loadSecrets(cmd)
	if err != nil {
		return err
	}

	target := cfg.Database.Name
	if cfg.Database.Driver == "sqlite" {
		target = cfg.Database.Path
	}
	if !skipConfirm {
		if !isTerminal(cmd.InOrStdin()) {
			return errNeedConfirmation
		}
		if !confirmReset(cmd, target) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	if cfg.Database.Driver == "mysql" {
		adminDB, err := db.ConnectAdmin(cfg.Database, secrets.DatabasePassword)
		if err != nil {
			return err
		}
		if err := db.DropDatabase(adminDB, target); err != nil {
			return err
		}
		fmt.Fprintf(out, "Dropped database %s\n", target)
		if err := db.CreateDatabase(adminDB, target); err != nil {
			return err
		}
	} else {
		gdb, err := db.Connect(cfg.Database, "")
		if err != nil {
			return err
		}
		if err := db.DropAll(gdb); err != nil {
			return err
		}
		fmt.Fprintf(out, "Dropped all tables in %s\n", target)
	}

	if _, err := connectFromConfig(cfg, secrets); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	fmt.Fprintln(out, "\nArena database reset successfully.")
	return nil
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func confirmReset(cmd *cobra.Command, target string) bool {
	out := cmd.OutOrStdout()
	in := cmd.InOrStdin()

	fmt.Fprintf(out, "WARNING: This will permanently delete all data in %q.\n", target)
	fmt.Fprintln(out, "This action cannot be undone.")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}
