package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
	"gopkg.in/yaml.v3"
)

func newTraceCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect run traces",
	}

	var output string
	show := &cobra.Command{
		Use:   "show <run_id>",
		Short: "Print a run with all of its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			api := newAPIClient(opts.server)
			if err := api.do(cmd.Context(), http.MethodGet, "/v1/traces/"+url.PathEscape(args[0]), nil, &raw); err != nil {
				return err
			}
			return writeDocument(cmd.OutOrStdout(), raw, output)
		},
	}
	show.Flags().StringVarP(&output, "output", "o", "yaml", "output format (yaml or json)")

	list := &cobra.Command{
		Use:   "list <session_id>",
		Short: "List a session's runs, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body struct {
				Runs []domain.Run `json:"runs"`
			}
			api := newAPIClient(opts.server)
			if err := api.do(cmd.Context(), http.MethodGet, "/v1/traces/sessions/"+url.PathEscape(args[0]), nil, &body); err != nil {
				return err
			}
			return writeRuns(cmd.OutOrStdout(), body.Runs)
		},
	}

	cmd.AddCommand(show, list)
	return cmd
}

// writeDocument re-encodes a JSON document. Nested payloads such as step
// input and output are decoded too, so YAML shows them as structure.
func writeDocument(out io.Writer, raw json.RawMessage, format string) error {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errors.Wrap(err, "decode document")
	}

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case "yaml", "":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return errors.Wrap(err, "encode yaml")
		}
		return enc.Close()
	}
	return errors.Errorf("unknown output format %q", format)
}

func writeRuns(out io.Writer, runs []domain.Run) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tMODEL\tSTARTED\tLATENCY\tTOKENS")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%dms\t%d\n",
			r.RunID, r.Status, r.ModelID, r.StartedAt.Local().Format(time.DateTime), r.LatencyMs, r.TotalTokens)
	}
	return tw.Flush()
}
