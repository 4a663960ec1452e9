package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ksred/klear-broker/internal/connections"
	"github.com/ksred/klear-broker/internal/vault"
)

func newTypesCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List supported broker types",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rc.open()
			if err != nil {
				return err
			}
			defer a.Close()

			bts, err := a.registry.ListTypes(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCLASS\tPAPER\tLIVE\tSECRETS")
			for _, bt := range bts {
				fields := make([]string, 0, 4)
				for _, f := range bt.RequiredSecrets() {
					fields = append(fields, string(f))
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%t\t%s\n",
					bt.ID, bt.Name, bt.AssetClass, bt.SupportsPaperTrading, bt.SupportsLiveTrading, strings.Join(fields, ","))
			}
			return w.Flush()
		},
	}
}

func newConnectionsCmd(rc *rootConfig) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "connections",
		Short: "List a user's broker connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("missing --user")
			}
			a, err := rc.open()
			if err != nil {
				return err
			}
			defer a.Close()

			conns, err := a.registry.ListConnections(cmd.Context(), userID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tBROKER\tLABEL\tACTIVE\tPRIMARY\tLIVE\tLAST CONNECTED")
			for _, c := range conns {
				last := "never"
				if c.LastConnectedAt != nil {
					last = c.LastConnectedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%t\t%s\n",
					c.ID, c.BrokerName, c.Label, c.IsActive, c.IsPrimary, c.IsLiveTrading, last)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "owner user id")
	return cmd
}

func newTestCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "test <connection-id>",
		Short: "Re-check a stored connection's credentials against its broker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rc.open()
			if err != nil {
				return err
			}
			defer a.Close()

			conn, err := a.registry.GetConnection(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			res, err := connections.Test(cmd.Context(), a.registry, a.factory, conn)
			switch {
			case res.Deactivated:
				fmt.Fprintf(cmd.OutOrStdout(), "%s: credentials rejected, connection deactivated\n", conn.ID)
				return err
			case err != nil:
				return fmt.Errorf("test %s: %w", conn.ID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", conn.ID)
			return nil
		},
	}
}

func newRotateKeyCmd(rc *rootConfig) *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "rotate-key",
		Short: "Re-encrypt every stored secret under a new vault secret",
		Long: "Re-encrypts every stored secret in one transaction. The old secret defaults to the\n" +
			"configured VAULT_SECRET; the new one comes from --to or VAULT_NEW_SECRET.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				to = strings.TrimSpace(os.Getenv("VAULT_NEW_SECRET"))
			}
			if to == "" {
				return fmt.Errorf("missing new secret: set --to or env VAULT_NEW_SECRET")
			}

			a, err := rc.open()
			if err != nil {
				return err
			}
			defer a.Close()

			oldCipher := a.cipher
			if from != "" {
				if oldCipher, err = vault.New(from); err != nil {
					return err
				}
			}
			newCipher, err := vault.New(to)
			if err != nil {
				return err
			}

			n, err := a.registry.Rekey(cmd.Context(), oldCipher, newCipher)
			if err != nil {
				return fmt.Errorf("rotation aborted, nothing changed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "re-encrypted %d connections; update VAULT_SECRET before restarting the server\n", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "current vault secret (defaults to configured)")
	cmd.Flags().StringVar(&to, "to", "", "new vault secret")
	return cmd
}
