package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/originfs/ofsd/pkg/encryption"
	"github.com/originfs/ofsd/pkg/gc"
	"github.com/originfs/ofsd/pkg/index"
	"github.com/originfs/ofsd/pkg/ofsf"
	"github.com/originfs/ofsd/pkg/record"
	"github.com/originfs/ofsd/pkg/server/httpapi"
	"github.com/originfs/ofsd/pkg/server/middleware"
	"github.com/originfs/ofsd/pkg/store"
)

type app struct {
	ctx     context.Context
	dataFS  billy.Filesystem
	idx     index.Store
	manager *store.Manager
	cleanup func()
}

func (a *app) ensureBackend() error {
	if a.manager != nil {
		return nil
	}
	root := viper.GetString("root")
	if root == "" {
		root = "./files"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("init data root: %w", err)
	}
	a.dataFS = osfs.New(root)

	idx, err := buildIndexStore(viper.GetString("index_backend"), indexOptionsFromConfig(a.dataFS))
	if err != nil {
		return fmt.Errorf("index config: %w", err)
	}
	a.idx = idx
	a.manager = store.NewManager(a.dataFS, idx, nil)
	a.cleanup = func() { _ = idx.Close() }
	a.ctx = context.Background()
	return nil
}

func (a *app) close() {
	if a.cleanup != nil {
		a.cleanup()
	}
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "ofsd",
		Short:         "ofsd per-user virtual file store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureBackend()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	defer application.close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("ofsd")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "ofsd"))
		}
	}
	viper.SetEnvPrefix("OFSD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	rootCmd.PersistentFlags().String("root", "./files", "data directory holding user roots and index documents")
	rootCmd.PersistentFlags().String("index-backend", "file", "index backend: file|bolt")
	rootCmd.PersistentFlags().String("index-path", ".ofsd/index.db", "BoltDB path when the bolt backend is selected")
	rootCmd.PersistentFlags().String("index-key", "", "hex-encoded 32-byte key enabling index encryption at rest")
	rootCmd.PersistentFlags().Int("index-cache", 0, "index document cache capacity (0 disables)")
	rootCmd.PersistentFlags().Duration("index-cache-ttl", 0, "index document cache TTL (0 keeps entries until evicted)")

	bindConfig("root", rootCmd.PersistentFlags().Lookup("root"))
	bindConfig("index_backend", rootCmd.PersistentFlags().Lookup("index-backend"))
	bindConfig("index_path", rootCmd.PersistentFlags().Lookup("index-path"))
	bindConfig("index_key", rootCmd.PersistentFlags().Lookup("index-key"))
	bindConfig("index_cache", rootCmd.PersistentFlags().Lookup("index-cache"))
	bindConfig("index_cache_ttl", rootCmd.PersistentFlags().Lookup("index-cache-ttl"))
}

func initCommands() {
	rootCmd.AddCommand(
		newServeCmd(),
		newListCmd(),
		newAddCmd(),
		newPatchCmd(),
		newRmCmd(),
		newImportLegacyCmd(),
		newMigrateIndexCmd(),
		newSweepCmd(),
	)
}

type indexOptions struct {
	DataFS   billy.Filesystem
	Path     string
	Key      string
	CacheCap int
	CacheTTL time.Duration
}

func indexOptionsFromConfig(dataFS billy.Filesystem) indexOptions {
	return indexOptions{
		DataFS:   dataFS,
		Path:     viper.GetString("index_path"),
		Key:      viper.GetString("index_key"),
		CacheCap: viper.GetInt("index_cache"),
		CacheTTL: viper.GetDuration("index_cache_ttl"),
	}
}

func buildIndexStore(backend string, opts indexOptions) (index.Store, error) {
	crypt, err := cryptOptions(opts.Key)
	if err != nil {
		return nil, err
	}
	var idx index.Store
	switch strings.ToLower(backend) {
	case "", "file":
		fileStore := index.NewFileStore(opts.DataFS, nil)
		if err := fileStore.WithEncryption(crypt); err != nil {
			return nil, err
		}
		idx = fileStore
	case "bolt":
		if opts.Path == "" {
			return nil, errors.New("bolt backend requires an index path")
		}
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, err
		}
		boltStore, err := index.NewBoltStore(index.BoltConfig{Path: opts.Path}, nil)
		if err != nil {
			return nil, err
		}
		if err := boltStore.WithEncryption(crypt); err != nil {
			boltStore.Close()
			return nil, err
		}
		idx = boltStore
	default:
		return nil, fmt.Errorf("unknown index backend %q", backend)
	}
	if opts.CacheCap > 0 {
		idx = index.NewCachedStore(idx, opts.CacheCap, opts.CacheTTL)
	}
	return idx, nil
}

func cryptOptions(hexKey string) (encryption.Options, error) {
	if hexKey == "" {
		return encryption.Options{}, nil
	}
	key, err := encryption.ParseKey(hexKey)
	if err != nil {
		return encryption.Options{}, err
	}
	return encryption.Options{Method: encryption.MethodAES256CTR, Key: key}, nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the OFSF HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := httpapi.Options{
				APIKey: viper.GetString("serve.api_key"),
				CORS:   viper.GetBool("serve.cors"),
			}
			if limit := viper.GetInt("serve.rate_limit"); limit > 0 {
				opts.RateLimit = middleware.RateLimitOptions{
					Requests: limit,
					Window:   viper.GetDuration("serve.rate_window"),
				}
			}
			addr := viper.GetString("serve.addr")
			if interval := viper.GetDuration("serve.sweep_interval"); interval > 0 {
				sweeper := gc.NewSweeper(gc.Options{
					FS:    application.dataFS,
					Index: application.idx,
					Lock:  application.manager.WithUserLock,
				})
				stop := sweeper.Start(application.ctx, interval)
				defer stop()
			}
			server := &httpapi.Server{Store: application.manager, Opts: opts}
			fmt.Fprintf(os.Stderr, "Serving OFSF API on %s\n", addr)
			if err := server.Start(application.ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key or Bearer token)")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	cmd.Flags().Bool("cors", true, "allow cross-origin browser access")
	cmd.Flags().Duration("sweep-interval", 0, "background orphan sweep interval (0 disables)")
	bindConfig("serve.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve.rate_window", cmd.Flags().Lookup("rate-window"))
	bindConfig("serve.cors", cmd.Flags().Lookup("cors"))
	bindConfig("serve.sweep_interval", cmd.Flags().Lookup("sweep-interval"))
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <user>",
		Short: "Print the user's tree as one flat OFSF array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return application.manager.WithUser(args[0], func(a *store.Adapter) error {
				flat, err := a.Flatten(application.ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				return enc.Encode(flat)
			})
		},
	}
}

func newAddCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "add <user>",
		Short: "Add an item from a 14-field record read on stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			var rec record.Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("parse record: %w", err)
			}
			if id == "" {
				id = uuid.NewString()
			}
			return application.manager.WithUser(args[0], func(a *store.Adapter) error {
				result, err := a.Add(application.ctx, id, rec)
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%s\t%s\n", id, result.ActualName, result.ActualPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "uuid", "", "item uuid (generated when omitted)")
	return cmd
}

func newPatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "patch <user> <uuid> <field-index> <value-json>",
		Short: "Replace one record field (field index is 1-based)",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid field index %q", args[2])
			}
			return application.manager.WithUser(args[0], func(a *store.Adapter) error {
				return a.Patch(application.ctx, args[1], idx, json.RawMessage(args[3]))
			})
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <user> <uuid>",
		Short: "Delete an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return application.manager.WithUser(args[0], func(a *store.Adapter) error {
				return a.Delete(application.ctx, args[1])
			})
		},
	}
}

func newImportLegacyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-legacy <user>",
		Short: "Replay a legacy .ofsf blob through the store and retire it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := store.NormalizeUser(args[0])
			if err != nil {
				return err
			}
			if !ofsf.Exists(application.dataFS, user) {
				return fmt.Errorf("no legacy blob for %s", user)
			}
			fmt.Fprintf(os.Stderr, "Importing %s.ofsf (%s)\n", user, ofsf.SizeString(application.dataFS, user))
			entries, err := ofsf.Load(application.dataFS, user, nil)
			if err != nil {
				return err
			}
			imported := 0
			err = application.manager.WithUser(user, func(a *store.Adapter) error {
				for _, entry := range entries {
					if _, err := a.Add(application.ctx, entry.UUID, entry.Record); err != nil {
						fmt.Fprintf(os.Stderr, "skipping %s: %v\n", entry.UUID, err)
						continue
					}
					imported++
				}
				return nil
			})
			if err != nil {
				return err
			}
			if err := ofsf.Retire(application.dataFS, user); err != nil {
				return fmt.Errorf("retire blob: %w", err)
			}
			fmt.Printf("imported %d of %d items for %s\n", imported, len(entries), user)
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep [user]",
		Short: "Remove files under user roots that the index does not reference",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sweeper := gc.NewSweeper(gc.Options{
				FS:    application.dataFS,
				Index: application.idx,
				Lock:  application.manager.WithUserLock,
			})
			var removed int
			var err error
			if len(args) == 1 {
				user, nerr := store.NormalizeUser(args[0])
				if nerr != nil {
					return nerr
				}
				removed, err = sweeper.SweepUser(application.ctx, user)
			} else {
				removed, err = sweeper.Sweep(application.ctx)
			}
			if err != nil {
				return err
			}
			fmt.Printf("removed %d orphaned files\n", removed)
			return nil
		},
	}
}

func newMigrateIndexCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "migrate-index",
		Short: "Copy every user's index to the other backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			dst, err := buildIndexStore(target, indexOptionsFromConfig(application.dataFS))
			if err != nil {
				return err
			}
			defer dst.Close()
			count, err := index.Migrate(application.ctx, application.idx, dst)
			if err != nil {
				return err
			}
			fmt.Printf("migrated %d user indexes to %s\n", count, target)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "bolt", "destination backend: file|bolt")
	return cmd
}
