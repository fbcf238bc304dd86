package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/smilit/proxycast-sub002/internal/server"
)

const keyPrefix = "pcg-"

func main() {
	if err := newKeygenCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newKeygenCmd() *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "keygen [api-key]",
		Short: "Hash a client API key for server.api_keys",
		Long: `Prints the SHA-256 hash of an API key in the form config.yaml expects.
Without an argument a random key is generated.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 1 {
				key = args[0]
			} else {
				var err error
				if key, err = generateKey(rand.Reader); err != nil {
					return err
				}
			}
			printKey(cmd.OutOrStdout(), key, description)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "Generated key", "Description stored next to the hash")
	return cmd
}

func generateKey(r io.Reader) (string, error) {
	buf := make([]byte, 24)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return keyPrefix + hex.EncodeToString(buf), nil
}

func printKey(w io.Writer, key, description string) {
	fmt.Fprintf(w, "API Key: %s\n", key)
	fmt.Fprintf(w, "SHA-256 Hash: %s\n", server.HashAPIKey(key))
	fmt.Fprintln(w, "\nAdd this to your config.yaml:")
	fmt.Fprintln(w, "server:")
	fmt.Fprintln(w, "  api_keys:")
	fmt.Fprintf(w, "    - key_hash: %q\n", server.HashAPIKey(key))
	fmt.Fprintf(w, "      description: %q\n", description)
}
