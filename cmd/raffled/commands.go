package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/cemeheeb/custodial-raffle/internal/errs"
	"github.com/cemeheeb/custodial-raffle/internal/keyvault"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "provision <identity>",
		Short: "Create (or show) the custodial wallet of an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			account, err := a.coordinator.ProvisionWallet(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("identity: %s\naddress:  %s\n", account.Identity, account.Address)
			return nil
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "enter <identity>",
		Short: "Enter the raffle with an identity's custodial wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.coordinator.Enter(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if result.ApproveTxHash != "" {
				fmt.Printf("approve: %s\n", result.ApproveTxHash)
			}
			fmt.Printf("entry:   %s\n", result.TxHash)
			return nil
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the on-chain raffle status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			status, err := a.coordinator.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("state:        %s\nparticipants: %d\nentrance fee: %s\npool:         %s\n",
				status.State, status.ParticipantCount, status.EntranceFee, status.Pool)

			if round, err := a.storage.GetCurrentRound(); err == nil {
				fmt.Printf("local round:  #%d %s (%d entries)\n", round.RoundID, round.Status, round.ParticipantCount)
			}
			return nil
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats <identity>",
		Short: "Show ledger statistics and on-chain balance of an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			stats, err := a.coordinator.Stats(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			balance, err := a.coordinator.TokenBalance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("address:   %s\nbalance:   %s\ndeposited: %s\nentries:   %d\nwinnings:  %s\nentered:   %t\n",
				stats.Address, balance, stats.DepositBalance, stats.TotalEntries, stats.TotalWinnings, stats.InCurrentRaffle)
			return nil
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "draw",
		Short: "Trigger the raffle draw with the admin key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.coordinator.TriggerDraw(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("draw: %s\n", result.TxHash)
			return nil
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "encrypt-key",
		Short: "Encrypt a hex private key read from stdin for ADMIN_ENCRYPTED_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, err := keyvault.New(cfg.EncryptionKey)
			if err != nil {
				return err
			}

			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return errs.Wrap(err, errs.KindConfiguration, "read private key")
			}

			key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(line), "0x"))
			if err != nil {
				return errs.Wrap(err, errs.KindConfiguration, "parse private key")
			}
			defer keyvault.WipeKey(key)

			plaintext := crypto.FromECDSA(key)
			defer keyvault.Wipe(plaintext)

			sealed, err := vault.Encrypt(plaintext)
			if err != nil {
				return err
			}
			fmt.Printf("address: %s\nADMIN_ENCRYPTED_KEY=%s\n", crypto.PubkeyToAddress(key.PublicKey).Hex(), sealed)
			return nil
		},
	})
}
