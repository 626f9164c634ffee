package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/sigmoyd/internal/db"
)

type treeOptions struct {
	maxDepth  int
	noPayload bool
}

func newEventsCmd() *cobra.Command {
	var (
		dbPath  string
		eventID int64
		jsonOut bool
		opts    treeOptions
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the audit event tree of the latest relay run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("db") {
				if v := os.Getenv("RELAY_DB_PATH"); v != "" {
					dbPath = v
				}
			}
			database, err := db.OpenReadOnly(dbPath)
			if err != nil {
				return err
			}
			defer database.Close()

			ctx := cmd.Context()
			rootID := eventID
			if rootID == 0 {
				rootID, err = db.LatestRoot(ctx, database)
				if err != nil {
					return fmt.Errorf("find root: %w", err)
				}
			}

			events, err := db.QuerySubtree(ctx, database, rootID)
			if err != nil {
				return err
			}
			root := db.BuildTree(events, rootID)
			if root == nil {
				return fmt.Errorf("event %d not found", rootID)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, root, opts)
			}
			printTree(out, root, "", true, 1, opts)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "./relay.db", "SQLite database path (default from RELAY_DB_PATH)")
	cmd.Flags().Int64Var(&eventID, "id", 0, "show subtree of a specific event ID")
	cmd.Flags().IntVarP(&opts.maxDepth, "depth", "L", 0, "limit display depth (0 = unlimited)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON format")
	cmd.Flags().BoolVar(&opts.noPayload, "no-payload", false, "hide payload details")
	return cmd
}

// printTree renders the event tree using box-drawing characters.
func printTree(w io.Writer, ev *db.Event, prefix string, isLast bool, depth int, opts treeOptions) {
	connector := "├── "
	if isLast {
		connector = "└── "
	}
	line := formatEvent(ev, opts.noPayload)
	if depth == 1 {
		fmt.Fprintln(w, line)
	} else {
		fmt.Fprintln(w, prefix+connector+line)
	}

	childPrefix := prefix
	if depth > 1 {
		if isLast {
			childPrefix += "    "
		} else {
			childPrefix += "│   "
		}
	}

	if opts.maxDepth > 0 && depth >= opts.maxDepth {
		if len(ev.Children) > 0 {
			fmt.Fprintln(w, childPrefix+"└── [...]")
		}
		return
	}

	for i, child := range ev.Children {
		printTree(w, child, childPrefix, i == len(ev.Children)-1, depth+1, opts)
	}
}

// formatEvent formats a single event line: [id] timestamp  event_type  key=value ...
func formatEvent(ev *db.Event, noPayload bool) string {
	ts := time.Unix(ev.Timestamp, 0).UTC().Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("[%d] %s  %s", ev.ID, ts, ev.EventType)
	if noPayload || len(ev.Payload) == 0 {
		return line
	}

	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf("  %s=%s", k, formatValue(ev.Payload[k]))
	}
	return line
}

// formatValue converts a payload value to a display string, truncating long text.
func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if len(val) > 80 {
			return fmt.Sprintf("%q", val[:80]+"...")
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

type jsonEvent struct {
	ID        int64          `json:"id"`
	Timestamp int64          `json:"timestamp"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Children  []jsonEvent    `json:"children,omitempty"`
}

func toJSONEvent(ev *db.Event, depth int, opts treeOptions) jsonEvent {
	je := jsonEvent{ID: ev.ID, Timestamp: ev.Timestamp, EventType: ev.EventType}
	if !opts.noPayload {
		je.Payload = ev.Payload
	}
	if opts.maxDepth > 0 && depth >= opts.maxDepth {
		return je
	}
	for _, child := range ev.Children {
		je.Children = append(je.Children, toJSONEvent(child, depth+1, opts))
	}
	return je
}

func printJSON(w io.Writer, root *db.Event, opts treeOptions) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(toJSONEvent(root, 1, opts)); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
