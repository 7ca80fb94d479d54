// Package output renders command results for the terminal, either as JSON
// or as aligned tables.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/colthorp/attendsync-go/internal/cache"
	"github.com/colthorp/attendsync-go/internal/core"
	"github.com/colthorp/attendsync-go/internal/queue"
	"github.com/colthorp/attendsync-go/internal/syncer"
)

// PrintJSON writes v as indented JSON.
func PrintJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// StreamJSONSlice writes items as a compact JSON array, skipping items
// that fail to encode.
func StreamJSONSlice[T any](w io.Writer, items []T) {
	fmt.Fprint(w, "[")
	first := true
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		if !first {
			fmt.Fprint(w, ",")
		}
		w.Write(data)
		first = false
	}
	fmt.Fprintln(w, "]")
}

// PrintMutations writes the queue as a table in replay order.
func PrintMutations(w io.Writer, records []queue.PendingMutation) {
	if len(records) == 0 {
		fmt.Fprintln(w, "Queue is empty.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMETHOD\tENDPOINT\tENQUEUED\tTOKEN\tBYTES")
	for _, m := range records {
		token := "no"
		if m.AuthToken != "" {
			token = "yes"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n",
			m.ID, m.Method, m.Endpoint, core.FormatTimestamp(m.EnqueuedAt), token, len(m.Body))
	}
	tw.Flush()
}

// PrintDeadLetters writes permanently rejected mutations.
func PrintDeadLetters(w io.Writer, dead []queue.DeadLetter) {
	if len(dead) == 0 {
		fmt.Fprintln(w, "No dead letters.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMETHOD\tENDPOINT\tSTATUS\tDEAD AT\tREASON")
	for _, d := range dead {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			d.Mutation.ID, d.Mutation.Method, d.Mutation.Endpoint, d.Status,
			core.FormatTimestamp(d.DeadAt), truncate(d.Reason, 60))
	}
	tw.Flush()
}

// PrintEntries writes one cache generation.
func PrintEntries(w io.Writer, generation string, entries []*cache.Entry) {
	fmt.Fprintf(w, "%s (%d entries)\n", generation, len(entries))
	if len(entries) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSTATUS\tTIER\tBYTES\tSTORED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\n",
			e.Key, e.Status, e.Tier, len(e.Payload), core.FormatTimestamp(e.StoredAt))
	}
	tw.Flush()
}

// PrintSyncResult summarises a drain.
func PrintSyncResult(w io.Writer, res *syncer.Result) {
	if res == nil {
		return
	}
	if res.Coalesced {
		fmt.Fprintln(w, "A drain is already running; this trigger was merged into it.")
		return
	}
	if res.Attempted == 0 {
		fmt.Fprintln(w, "Nothing to sync.")
		return
	}
	fmt.Fprintf(w, "Replayed %d: %d synced, %d retained, %d dead-lettered. %d remaining.\n",
		res.Attempted, res.Synced, res.Retained, res.DeadLettered, res.Remaining)
	for _, o := range res.Outcomes {
		line := fmt.Sprintf("  #%d %s", o.ID, o.Result)
		if o.Status != 0 {
			line += fmt.Sprintf(" (%d)", o.Status)
		}
		if o.Error != "" {
			line += ": " + o.Error
		}
		fmt.Fprintln(w, line)
	}
	if len(res.RemoveFailed) > 0 {
		fmt.Fprintf(w, "Warning: %d synced record(s) could not be removed and will be sent again.\n", len(res.RemoveFailed))
	}
}

func truncate(s string, n int) string {
	return core.Truncate(strings.ReplaceAll(s, "\n", " "), n)
}
