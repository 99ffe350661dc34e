package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"

	"github.com/mtzanidakis/swarmbridge/internal/config"
	"github.com/mtzanidakis/swarmbridge/internal/store"
	"github.com/mtzanidakis/swarmbridge/internal/vault"
)

func runVault(args []string) error {
	if len(args) == 0 {
		printVaultUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Vault.Passphrase == "" {
		return fmt.Errorf("SWARMBRIDGE_VAULT_PASSPHRASE environment variable is required")
	}

	v := vault.New(cfg.Vault.Passphrase)

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	switch args[0] {
	case "list":
		return vaultList(os.Stdout, db)
	case "set":
		return vaultSet(os.Stdout, db, v, args[1:])
	case "get":
		return vaultGet(os.Stdout, db, v, args[1:])
	case "delete":
		return vaultDelete(os.Stdout, db, args[1:])
	default:
		printVaultUsage()
		return fmt.Errorf("unknown vault command: %s", args[0])
	}
}

func printVaultUsage() {
	fmt.Fprintf(os.Stderr, `Usage: swarmbridge vault <command>

Commands:
  list                                             List all secrets (metadata only)
  set <name> --value <str> [--description <text>]  Store a string secret
  set <name> --file <path> [--description <text>]  Store a file's contents
  get <name>                                       Retrieve and decrypt a secret
  delete <name>                                    Delete a secret

Reference a secret from process.env as "secret:<name>".

Environment:
  SWARMBRIDGE_VAULT_PASSPHRASE                     Required. Encryption passphrase.
`)
}

func vaultList(w io.Writer, db *store.Store) error {
	secrets, err := db.ListSecrets()
	if err != nil {
		return err
	}
	if len(secrets) == 0 {
		fmt.Fprintln(w, "No secrets stored.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDESCRIPTION\tUPDATED")
	for _, s := range secrets {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, s.Description, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func vaultSet(w io.Writer, db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: swarmbridge vault set <name> --value <string> | --file <path> [--description <text>]")
	}

	name := args[0]
	var value []byte
	switch args[1] {
	case "--value":
		value = []byte(args[2])
	case "--file":
		data, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
		value = data
	default:
		return fmt.Errorf("expected --value or --file, got %s", args[1])
	}

	// Check for optional --description flag
	description := ""
	for i := 3; i < len(args)-1; i++ {
		if args[i] == "--description" {
			description = args[i+1]
			break
		}
	}

	// Keep the id and description when updating
	id := uuid.NewString()
	existing, err := db.GetSecretByName(name)
	if err != nil {
		return err
	}
	if existing != nil {
		id = existing.ID
		if description == "" {
			description = existing.Description
		}
	}

	sec, err := v.Seal(id, name, description, value)
	if err != nil {
		return err
	}
	if err := db.SaveSecret(sec); err != nil {
		return err
	}
	fmt.Fprintf(w, "Secret %q saved\n", name)
	return nil
}

func vaultGet(w io.Writer, db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: swarmbridge vault get <name>")
	}

	sec, err := db.GetSecretByName(args[0])
	if err != nil {
		return err
	}
	if sec == nil {
		return fmt.Errorf("secret %q not found", args[0])
	}

	plaintext, err := v.Open(sec)
	if err != nil {
		return err
	}

	fmt.Fprint(w, string(plaintext))
	if len(plaintext) > 0 && plaintext[len(plaintext)-1] != '\n' {
		fmt.Fprintln(w)
	}
	return nil
}

func vaultDelete(w io.Writer, db *store.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: swarmbridge vault delete <name>")
	}

	sec, err := db.GetSecretByName(args[0])
	if err != nil {
		return err
	}
	if sec == nil {
		return fmt.Errorf("secret %q not found", args[0])
	}
	if err := db.DeleteSecret(sec.ID); err != nil {
		return err
	}
	fmt.Fprintf(w, "Secret %q deleted\n", args[0])
	return nil
}
