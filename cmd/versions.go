package cmd

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/helix-cli/api/schemas"
	"github.com/xkilldash9x/helix-cli/internal/observability"
	"github.com/xkilldash9x/helix-cli/internal/service"
)

func newVersionsCmd() *cobra.Command {
	var format string

	versionsCmd := &cobra.Command{
		Use:   "versions",
		Short: "Probe every configured source and print its current version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			l, _ := service.InitializeLedger(cfg, observability.GetLogger())
			versions := l.Probe(cmd.Context(), cfg.Sources.Ignored)
			return printVersions(cmd.OutOrStdout(), versions, format)
		},
	}
	versionsCmd.Flags().StringVarP(&format, "output", "o", "table", "output format: table, json or yaml")
	return versionsCmd
}

func printVersions(w io.Writer, versions map[string]schemas.SourceVersion, format string) error {
	switch format {
	case "json":
		enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(versions)
	case "yaml":
		return yaml.NewEncoder(w).Encode(versions)
	case "table":
		names := make([]string, 0, len(versions))
		for name := range versions {
			names = append(names, name)
		}
		sort.Strings(names)

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "SOURCE\tVERSION\tDATE")
		for _, name := range names {
			sv := versions[name]
			fmt.Fprintf(tw, "%s\t%s\t%s\n", name, sv.Version, sv.Date)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
