// loomkeys exports and imports encrypted room keys against a local crypto
// store, without needing a running client.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/loom-chat/loom/crypto"
	"github.com/loom-chat/loom/crypto/badgerstore"
	"github.com/loom-chat/loom/crypto/primitive"
	"github.com/loom-chat/loom/internal/logger"
)

var (
	storePath string
	pickleKey string
	password  string
)

func main() {
	slogger := logger.New(os.Getenv("LOOM_DEBUG") != "")

	root := &cobra.Command{
		Use:           "loomkeys",
		Short:         "Export and import encrypted room keys",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&storePath, "store", "", "path to the crypto store directory")
	root.PersistentFlags().StringVar(&pickleKey, "pickle-key", "", "key the store's sessions are pickled with")
	root.PersistentFlags().StringVar(&password, "password", "", "passphrase protecting the export file")
	_ = root.MarkPersistentFlagRequired("store")
	_ = root.MarkPersistentFlagRequired("password")

	root.AddCommand(exportCmd(), importCmd())

	if err := root.Execute(); err != nil {
		slogger.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func openStore() (*badgerstore.Store, error) {
	return badgerstore.Open(storePath)
}

func exportCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write all held room keys to an encrypted file",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			data, err := crypto.ExportRoomKeysFromStore(context.Background(), store, primitive.Goolm{}, []byte(pickleKey), slog.Default(), password)
			if err != nil {
				return err
			}
			if outPath == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(outPath, data, 0600); err != nil {
				return err
			}
			slog.Info("room keys exported", "file", outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "room-keys.txt", "output file, - for stdout")
	return cmd
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Merge an encrypted key export into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			result, err := crypto.ImportRoomKeysToStore(context.Background(), store, primitive.Goolm{}, []byte(pickleKey), slog.Default(), data, password)
			if err != nil {
				return err
			}
			fmt.Printf("imported %d of %d sessions (%d skipped)\n", result.Imported, result.Total, result.Skipped)
			return nil
		},
	}
}
