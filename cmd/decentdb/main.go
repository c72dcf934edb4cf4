package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sphildreth/decentdb"
	"github.com/sphildreth/decentdb/config"
	"github.com/sphildreth/decentdb/wal"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "decentdb",
	Short: "Operator CLI for a DecentDB storage file",
	Long: `decentdb is the operator-facing tool for a DecentDB database
file: checkpoint, freelist introspection, trigram index rebuild, and
WAL frame inspection. It does not parse or execute queries — DecentDB
is an embedded storage core consumed through its Go API, not a SQL
front-end.`,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (optional; defaults are used otherwise)")
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(freelistStatCmd)
	rootCmd.AddCommand(indexRebuildCmd)
	rootCmd.AddCommand(walDumpCmd)
}

func openDB(path string) (*decentdb.DB, error) {
	var opts config.Options
	var err error
	if configPath != "" {
		opts, err = config.Load(configPath)
	} else {
		opts, err = config.New()
	}
	if err != nil {
		return nil, err
	}
	return decentdb.Open(path, opts, zerolog.New(os.Stderr).With().Timestamp().Logger())
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint <path>",
	Short: "Run a checkpoint against the database at path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(args[0])
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Checkpoint(); err != nil {
			return err
		}
		fmt.Println("checkpoint complete")
		return nil
	},
}

var freelistStatCmd = &cobra.Command{
	Use:   "freelist-stat <path>",
	Short: "Report the freelist head page and entry count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(args[0])
		if err != nil {
			return err
		}
		defer db.Close()
		head, count := db.FreelistStat()
		fmt.Printf("freelist_head=%d freelist_count=%d\n", head, count)
		return nil
	},
}

var indexRebuildCmd = &cobra.Command{
	Use:   "index-rebuild <path>",
	Short: "Discard and rebuild the trigram postings index",
	Long: `Discards every paged trigram posting and in-memory delta, then
reindexes. The storage core has no catalog of its own — row iteration is
the caller's responsibility — so this command rebuilds against an empty
row source. An embedder with a catalog layer should call DB.IndexRebuild
directly with its own row iterator instead of going through this CLI.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(args[0])
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.IndexRebuild(func(record func(s string, rowID uint64)) error {
			return nil
		}); err != nil {
			return err
		}
		fmt.Println("index rebuild complete")
		return nil
	},
}

var walDumpCmd = &cobra.Command{
	Use:   "wal-dump <path>",
	Short: "Print the WAL's frame stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(args[0])
		if err != nil {
			return err
		}
		defer db.Close()
		return db.WAL().Dump(func(f wal.FrameInfo) error {
			fmt.Printf("lsn=%d type=%s page=%d payload_len=%d offset=%d\n",
				f.LSN, f.Type, f.PageID, f.PayloadLen, f.Offset)
			return nil
		})
	},
}
