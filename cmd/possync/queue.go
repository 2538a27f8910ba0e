package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/CharlySistemas23/possync"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List pending mutations",
	Long:  `List the mutations waiting to be applied, in drain order.`,
	Example: `  possync queue
  possync queue --count`,
	Args: cobra.NoArgs,
	RunE: runQueue,
}

var queueCount bool

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <entity-type> [entity-id]",
	Short: "Queue a local mutation",
	Long: `Queue a mutation for an entity. With --record the record is first written
to the local store; a local id is generated when entity-id is omitted.

Entity types: customer, supplier, product, sale, sale_item, payment,
inventory_log.`,
	Example: `  possync enqueue customer --record '{"name":"Ana","email":"ana@example.com"}'
  possync enqueue sale local-01hv3k9z
  possync enqueue product 3f1c2e9a-8b7d-4c5e-9f00-112233445566 --delete`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runEnqueue,
}

var (
	enqueueDelete bool
	enqueueRecord string
)

func init() {
	queueCmd.Flags().BoolVar(&queueCount, "count", false, "print only the number of pending mutations")
	enqueueCmd.Flags().BoolVar(&enqueueDelete, "delete", false, "queue a delete instead of an upsert")
	enqueueCmd.Flags().StringVar(&enqueueRecord, "record", "", "record fields as JSON, or @file to read them from a file")

	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(enqueueCmd)
}

func runQueue(cmd *cobra.Command, _ []string) error {
	return withClient(cmd, func(_ possync.Config, client *possync.Client) error {
		entries, err := client.Pending(cmd.Context())
		if err != nil {
			return fmt.Errorf("list queue: %w", err)
		}
		if queueCount {
			if outputJSON {
				return outputAsJSON(cmd, map[string]int{"pending": len(entries)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), len(entries))
			return nil
		}
		return outputQueue(cmd, entries)
	})
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	entityType := args[0]
	var entityID string
	if len(args) == 2 {
		entityID = args[1]
	}

	op := possync.OpUpsert
	if enqueueDelete {
		op = possync.OpDelete
	}
	if enqueueRecord != "" && op == possync.OpDelete {
		return fmt.Errorf("--record cannot be combined with --delete")
	}

	var rec possync.Record
	if enqueueRecord != "" {
		var err error
		if rec, err = parseRecord(enqueueRecord); err != nil {
			return err
		}
	}

	return withClient(cmd, func(_ possync.Config, client *possync.Client) error {
		ctx := cmd.Context()
		a, ok := client.Registry().Lookup(entityType)
		if !ok {
			return fmt.Errorf("unknown entity type %q", entityType)
		}

		if rec != nil {
			if entityID == "" {
				entityID = possync.NewLocalID()
			}
			rec["id"] = entityID
			if err := client.Store().Put(ctx, a.Table(), rec); err != nil {
				return fmt.Errorf("store record: %w", err)
			}
		}
		if entityID == "" {
			return fmt.Errorf("entity-id is required without --record")
		}

		entry, err := client.Enqueue(ctx, entityType, entityID, op, nil)
		if err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}

		if outputJSON {
			return outputAsJSON(cmd, entry)
		}
		printSuccess(cmd.OutOrStdout(), "Queued %s %s %s", entry.Op, entry.EntityType, entry.EntityID)
		return nil
	})
}

// parseRecord decodes inline JSON or, with a leading @, a JSON file.
func parseRecord(arg string) (possync.Record, error) {
	data := []byte(arg)
	if len(arg) > 1 && arg[0] == '@' {
		var err error
		if data, err = os.ReadFile(arg[1:]); err != nil {
			return nil, fmt.Errorf("read record: %w", err)
		}
	}

	var rec possync.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("parse record: expected a JSON object")
	}
	return rec, nil
}
