package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/seqvec/seqvec/pkg/migrate"
	"github.com/seqvec/seqvec/pkg/query"
	"github.com/seqvec/seqvec/pkg/segment"
	"github.com/seqvec/seqvec/pkg/seqvec"
	"github.com/seqvec/seqvec/pkg/wal"
)

var (
	dbPath  string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "seqvec",
	Short: "CLI tool for the embedded record log and metadata store",
	Long:  `A command-line interface for submitting, projecting and querying records in a SQLite-backed log store.`,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage schema migrations",
}

var migrateApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openRawDB()
		if err != nil {
			return err
		}
		defer db.Close()

		engine, err := migrate.NewEngine(db, migrate.WithLogger(cliLogger()))
		if err != nil {
			return fmt.Errorf("failed to build migration engine: %w", err)
		}
		if err := engine.Apply(context.Background()); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}

		fmt.Printf("Migrations applied at %s\n", dbPath)
		return nil
	},
}

var migrateValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate applied migrations against the embedded sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openRawDB()
		if err != nil {
			return err
		}
		defer db.Close()

		engine, err := migrate.NewEngine(db, migrate.WithLogger(cliLogger()))
		if err != nil {
			return fmt.Errorf("failed to build migration engine: %w", err)
		}

		err = engine.Validate(context.Background())
		var unapplied *migrate.UnappliedMigrationsError
		switch {
		case err == nil:
			fmt.Println("Migrations up to date")
		case errors.Is(err, migrate.ErrUninitializedMigrations):
			fmt.Println("Migrations not initialized (run 'migrate apply')")
		case errors.As(err, &unapplied):
			fmt.Printf("Pending migrations in dir '%s': %d\n", unapplied.Dir, unapplied.Pending)
		default:
			return fmt.Errorf("validation failed: %w", err)
		}
		return nil
	},
}

// submitRecord is the JSON shape accepted by the submit command.
type submitRecord struct {
	ID        string         `json:"id"`
	Operation string         `json:"operation"`
	Embedding []float64      `json:"embedding,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

var submitCmd = &cobra.Command{
	Use:   "submit <topic> [json-file]",
	Short: "Append records to a topic (from file or stdin)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		topic := args[0]

		var data []byte
		var err error
		if len(args) == 2 {
			data, err = os.ReadFile(args[1])
		} else {
			data, err = io.ReadAll(os.Stdin)
		}
		if err != nil {
			return fmt.Errorf("failed to read records: %w", err)
		}

		var raw []submitRecord
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("failed to parse JSON: %w", err)
		}

		records := make([]wal.OperationRecord, len(raw))
		for i, r := range raw {
			op, err := parseOperation(r.Operation)
			if err != nil {
				return err
			}
			records[i] = wal.OperationRecord{
				ID:        r.ID,
				Operation: op,
				Embedding: r.Embedding,
				Metadata:  r.Metadata,
			}
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		seqIDs, err := store.Log().Submit(context.Background(), topic, records)
		if err != nil {
			return fmt.Errorf("failed to submit: %w", err)
		}

		fmt.Printf("Submitted %d records to topic '%s'", len(seqIDs), topic)
		if len(seqIDs) > 0 {
			fmt.Printf(" (seq %d..%d)", seqIDs[0], seqIDs[len(seqIDs)-1])
		}
		fmt.Println()
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <topic>",
	Short: "Query a topic's materialized rows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topic := args[0]
		whereStr, _ := cmd.Flags().GetString("where")
		whereDocStr, _ := cmd.Flags().GetString("where-document")
		ids, _ := cmd.Flags().GetStringSlice("id")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		opts := segment.GetOptions{IDs: ids, Limit: limit, Offset: offset}
		if whereStr != "" {
			raw := map[string]any{}
			if err := json.Unmarshal([]byte(whereStr), &raw); err != nil {
				return fmt.Errorf("invalid where JSON: %w", err)
			}
			w, err := query.ParseWhere(raw)
			if err != nil {
				return fmt.Errorf("invalid where filter: %w", err)
			}
			opts.Where = w
		}
		if whereDocStr != "" {
			raw := map[string]any{}
			if err := json.Unmarshal([]byte(whereDocStr), &raw); err != nil {
				return fmt.Errorf("invalid where-document JSON: %w", err)
			}
			wd, err := query.ParseWhereDocument(raw)
			if err != nil {
				return fmt.Errorf("invalid where-document filter: %w", err)
			}
			opts.WhereDocument = wd
		}

		store, s, err := openSegment(cmd, topic)
		if err != nil {
			return err
		}
		defer store.Close()
		defer s.Stop()

		rows, err := s.Get(context.Background(), opts)
		if err != nil {
			return fmt.Errorf("failed to query: %w", err)
		}

		outputJSON, _ := cmd.Flags().GetBool("json")
		if outputJSON {
			data, _ := json.MarshalIndent(rows, "", "  ")
			fmt.Println(string(data))
		} else {
			fmt.Printf("Found %d rows:\n", len(rows))
			for _, row := range rows {
				fmt.Printf("  %s (seq: %d)\n", row.ID, row.SeqID)
				if verbose {
					for k, v := range row.Metadata {
						fmt.Printf("    %s = %v\n", k, v)
					}
				}
			}
		}
		return nil
	},
}

var countCmd = &cobra.Command{
	Use:   "count <topic>",
	Short: "Count a topic's materialized rows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, s, err := openSegment(cmd, args[0])
		if err != nil {
			return err
		}
		defer store.Close()
		defer s.Stop()

		count, err := s.Count(context.Background())
		if err != nil {
			return fmt.Errorf("failed to count: %w", err)
		}
		fmt.Println(count)
		return nil
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean <topic>",
	Short: "Purge log records already applied by every projector of a topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		purged, err := store.Log().Clean(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to clean: %w", err)
		}
		fmt.Printf("Purged %d log records\n", purged)
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Display topics, seq id positions and projector high-water marks",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		db := store.GetDB()

		rows, err := db.QueryContext(ctx, "SELECT topic, seq_id FROM log_position ORDER BY topic")
		if err != nil {
			return fmt.Errorf("failed to list topics: %w", err)
		}
		defer rows.Close()

		fmt.Println("Topics:")
		for rows.Next() {
			var topic string
			var seqID int64
			if err := rows.Scan(&topic, &seqID); err != nil {
				return fmt.Errorf("failed to scan topic: %w", err)
			}
			fmt.Printf("  %s (max seq: %d)\n", topic, seqID)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		segRows, err := db.QueryContext(ctx, `
			SELECT s.id, s.topic, COALESCE(h.seq_id, -1)
			FROM segments s
			LEFT JOIN segment_high_water_mark h ON h.segment_id = s.id
			ORDER BY s.topic, s.id`)
		if err != nil {
			return fmt.Errorf("failed to list segments: %w", err)
		}
		defer segRows.Close()

		fmt.Println("Segments:")
		for segRows.Next() {
			var id, topic string
			var mark int64
			if err := segRows.Scan(&id, &topic, &mark); err != nil {
				return fmt.Errorf("failed to scan segment: %w", err)
			}
			if mark < 0 {
				fmt.Printf("  %s topic=%s (no high-water mark)\n", id, topic)
			} else {
				fmt.Printf("  %s topic=%s high-water mark=%d\n", id, topic, mark)
			}
		}
		return segRows.Err()
	},
}

func parseOperation(s string) (wal.Operation, error) {
	switch s {
	case "add":
		return wal.Add, nil
	case "update":
		return wal.Update, nil
	case "upsert":
		return wal.Upsert, nil
	case "delete":
		return wal.Delete, nil
	default:
		return 0, fmt.Errorf("unknown operation %q (want add, update, upsert or delete)", s)
	}
}

func cliLogger() zerolog.Logger {
	if verbose {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.Nop()
}

func openRawDB() (*sql.DB, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path not specified")
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func openStore() (*seqvec.DB, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path not specified")
	}
	config := seqvec.DefaultConfig(dbPath)
	logger := cliLogger()
	config.Logger = &logger

	store, err := seqvec.Open(config)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store, nil
}

// openSegment opens the store and starts a projector for the topic,
// resuming the segment id given by --segment or creating a fresh one.
func openSegment(cmd *cobra.Command, topic string) (*seqvec.DB, *segment.MetadataSegment, error) {
	store, err := openStore()
	if err != nil {
		return nil, nil, err
	}

	var opts []segment.Option
	if idStr, _ := cmd.Flags().GetString("segment"); idStr != "" {
		id, err := uuid.Parse(idStr)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("invalid segment id: %w", err)
		}
		opts = append(opts, segment.WithID(id))
	}

	s, err := store.Segment(topic, opts...)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	if err := s.Start(context.Background()); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to start segment: %w", err)
	}
	return store, s, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "seqvec.db", "Database file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	migrateCmd.AddCommand(migrateApplyCmd, migrateValidateCmd)

	getCmd.Flags().String("segment", "", "Segment id to resume (fresh projection if empty)")
	getCmd.Flags().String("where", "", "Metadata filter as JSON")
	getCmd.Flags().String("where-document", "", "Document filter as JSON")
	getCmd.Flags().StringSlice("id", nil, "Restrict to these record ids")
	getCmd.Flags().Int("limit", 0, "Maximum rows (0 for unlimited)")
	getCmd.Flags().Int("offset", 0, "Rows to skip")
	getCmd.Flags().Bool("json", false, "Output as JSON")

	countCmd.Flags().String("segment", "", "Segment id to resume (fresh projection if empty)")

	rootCmd.AddCommand(
		migrateCmd,
		submitCmd,
		getCmd,
		countCmd,
		cleanCmd,
		infoCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
