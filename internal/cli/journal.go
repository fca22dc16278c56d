package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/charleschow/ordersync/internal/adapters/inbound/orders_ws"
)

type JournalOptions struct {
	*RootOptions
	Path     string
	Kind     string
	Contains string
	Limit    int
	Pretty   bool
}

func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JournalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect raw push frames recorded by the frame journal",
		Long: `Print the most recent raw push frames from the SQLite frame journal
written by "ordersync run" when FRAME_JOURNAL_PATH is set.

Example:
  ordersync journal --kind malformed
  ordersync journal --contains a1 -n 5 --pretty`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournal(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Path, "path", "", "journal path, defaults to FRAME_JOURNAL_PATH")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "only frames of this kind (order_created, malformed, ...)")
	cmd.Flags().StringVar(&opts.Contains, "contains", "", "only frames whose raw text contains this substring")
	cmd.Flags().IntVarP(&opts.Limit, "count", "n", 10, "max frames to print")
	cmd.Flags().BoolVar(&opts.Pretty, "pretty", false, "pretty-print JSON frames")

	return cmd
}

func runJournal(cmd *cobra.Command, opts *JournalOptions) error {
	path := opts.Path
	if path == "" {
		path = opts.Config().FrameJournalPath
	}
	if path == "" {
		return fmt.Errorf("no journal path: pass --path or set FRAME_JOURNAL_PATH")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("frame journal: %w", err)
	}

	store, err := orders_ws.OpenStore(path, 0)
	if err != nil {
		return err
	}
	defer store.Close()

	frames, err := store.Recent(commandContext(cmd), orders_ws.FrameQuery{
		Kind:     opts.Kind,
		Contains: opts.Contains,
		Limit:    opts.Limit,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		type frameJSON struct {
			ID       int64           `json:"id"`
			Kind     string          `json:"kind"`
			Received string          `json:"received"`
			Size     int64           `json:"size"`
			Raw      json.RawMessage `json:"raw,omitempty"`
			Text     string          `json:"text,omitempty"`
		}
		list := make([]frameJSON, 0, len(frames))
		for _, f := range frames {
			fj := frameJSON{ID: f.ID, Kind: f.Kind, Received: f.Received.Format("2006-01-02T15:04:05.000Z07:00"), Size: f.Size}
			if json.Valid(f.Raw) {
				fj.Raw = f.Raw
			} else {
				fj.Text = string(f.Raw)
			}
			list = append(list, fj)
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	for _, f := range frames {
		raw := string(f.Raw)
		if opts.Pretty {
			var buf bytes.Buffer
			if err := json.Indent(&buf, f.Raw, "", "  "); err == nil {
				raw = buf.String()
			}
		}
		fmt.Fprintf(out, "--- id=%d kind=%s received=%s size=%s ---\n%s\n\n",
			f.ID, f.Kind, f.Received.Format("2006-01-02 15:04:05.000"), humanize.Bytes(uint64(f.Size)), raw)
	}
	if len(frames) == 0 {
		fmt.Fprintln(out, "(no matching frames)")
	} else {
		fmt.Fprintf(out, "(%d results)\n", len(frames))
	}
	return nil
}
