package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/ashureev/wardrobe-sync/internal/codec"
	"github.com/ashureev/wardrobe-sync/internal/config"
	"github.com/ashureev/wardrobe-sync/internal/store"
	"github.com/spf13/cobra"
)

// storeFlags are shared by the store subcommands.
type storeFlags struct {
	namespace string
}

// newStoreCmd creates the "wardrobe-sync store" command group.
func newStoreCmd() *cobra.Command {
	flags := &storeFlags{}
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect and purge shared store records",
	}
	cmd.PersistentFlags().StringVar(&flags.namespace, "namespace", "", "namespace to operate on (default SHARED_NAMESPACE)")
	cmd.AddCommand(
		newStoreKeysCmd(flags),
		newStoreGetCmd(flags),
		newStoreDeleteCmd(flags),
	)
	return cmd
}

func newStoreKeysCmd(flags *storeFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List the keys in a namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), flags, func(kv store.KV, _ codec.Codec) error {
				keys, err := kv.Keys(cmd.Context())
				if err != nil {
					return err
				}
				for _, key := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), key)
				}
				return nil
			})
		},
	}
}

func newStoreGetCmd(flags *storeFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print a record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), flags, func(kv store.KV, rc codec.Codec) error {
				return printRecord(cmd.Context(), cmd.OutOrStdout(), kv, rc, args[0])
			})
		},
	}
}

func newStoreDeleteCmd(flags *storeFlags) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "delete [KEY]",
		Short: "Delete a record, or the profile and every derived collection with --all",
		Args: func(_ *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("pass exactly one of KEY or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := args
			if all {
				keys = append([]string{store.KeyUserProfile}, store.DerivedKeys()...)
			}
			return withStore(cmd.Context(), flags, func(kv store.KV, _ codec.Codec) error {
				for _, key := range keys {
					if err := kv.Delete(cmd.Context(), key); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", key)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "delete the profile and every derived collection")
	return cmd
}

// withStore opens the configured store for the duration of fn.
func withStore(ctx context.Context, flags *storeFlags, fn func(kv store.KV, rc codec.Codec) error) error {
	cfg, err := loadConfig(config.RolePrimary)
	if err != nil {
		return err
	}
	db, rc, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(db)

	namespace := cfg.Store.SharedNamespace
	if flags.namespace != "" {
		namespace = flags.namespace
	}
	return fn(db.Namespace(namespace), rc)
}

// printRecord decodes key with rc and writes it as indented JSON.
func printRecord(ctx context.Context, w io.Writer, kv store.KV, rc codec.Codec, key string) error {
	known := append([]string{store.KeyUserProfile}, store.DerivedKeys()...)
	if !slices.Contains(known, key) {
		return fmt.Errorf("unknown key %q", key)
	}

	data, err := kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("%s: not found", key)
	}

	var v any
	if err := rc.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
