package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/taskd/internal/server/handlers"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Inspect declared plugins",
}

var pluginsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List declared jobs and encoders",
	Long: `List the job and encoder entries declared in configuration, with the
implementation each resolves to.

Example:
  taskd plugins list
  taskd plugins list --kind jobs --json`,
	RunE: runPluginsList,
}

var (
	pluginsKind string
	pluginsJSON bool
)

func init() {
	rootCmd.AddCommand(pluginsCmd)
	pluginsCmd.AddCommand(pluginsListCmd)

	pluginsListCmd.Flags().StringVar(&pluginsKind, "kind", "all", "Plugin kind: jobs|encoders|all")
	pluginsListCmd.Flags().BoolVar(&pluginsJSON, "json", false, "Output JSON")
}

func runPluginsList(cmd *cobra.Command, args []string) error {
	switch pluginsKind {
	case "jobs", "encoders", "all":
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --kind", fmt.Errorf("unsupported kind %q", pluginsKind))
	}

	a, err := newApp(cmd.Context(), loadOverrides())
	if err != nil {
		return err
	}
	defer func() { _ = a.close(a.cfg.Server.ShutdownTimeout) }()

	listing := map[string][]handlers.PluginView{}
	if pluginsKind != "encoders" {
		listing["jobs"] = handlers.JobPluginViews(a.jobs)
	}
	if pluginsKind != "jobs" {
		listing["encoders"] = handlers.EncoderPluginViews(a.encoders)
	}
	return writePlugins(os.Stdout, listing, pluginsJSON)
}

func writePlugins(w io.Writer, listing map[string][]handlers.PluginView, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(listing)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tNAME\tCLASSNAME\tPERMISSION\tDESCRIPTION")
	for _, kind := range []string{"jobs", "encoders"} {
		for _, v := range listing[kind] {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", kind, v.Name, v.Classname, dash(v.Permission), dash(v.Description))
		}
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
