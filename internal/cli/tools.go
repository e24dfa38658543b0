package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

func newToolsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect configured tool servers",
	}

	list := &cobra.Command{
		Use:   "list <server>",
		Short: "List the tools a server offers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body struct {
				Tools []domain.ToolSpec `json:"tools"`
			}
			api := newAPIClient(opts.server)
			if err := api.do(cmd.Context(), http.MethodGet, "/v1/tools/"+url.PathEscape(args[0]), nil, &body); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOOL\tDESCRIPTION")
			for _, t := range body.Tools {
				fmt.Fprintf(tw, "%s\t%s\n", t.Name, firstLine(t.Description))
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(list)
	return cmd
}

func newIngestCommand(opts *rootOptions) *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "ingest <session_id> <file>",
		Short: "Add a text document to a session's retrieval index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return errors.Wrap(err, "read document")
			}
			if title == "" {
				title = filepath.Base(args[1])
			}

			var resp domain.IngestResponse
			api := newAPIClient(opts.server)
			path := "/v1/sessions/" + url.PathEscape(args[0]) + "/documents"
			if err := api.do(cmd.Context(), http.MethodPost, path, domain.IngestRequest{Title: title, Text: string(data)}, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ingested %s as %s (%d chunks)\n", title, resp.DocumentID, resp.Chunks)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "document title (defaults to the file name)")
	return cmd
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
