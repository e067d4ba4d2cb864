package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pulsepoint/pulsewatch/internal/config"
	"github.com/pulsepoint/pulsewatch/internal/journal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently flushed change batches",
	Long: `Display the most recent batches recorded in the journal by 'pulsewatch watch'.

The journal is locked while a watch is running with the journal enabled;
history waits briefly for the lock and then gives up.`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 10, "Number of batches to display")
	historyCmd.Flags().String("format", "text", "Output format (text, json, yaml)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	format, _ := cmd.Flags().GetString("format")

	settings, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if _, err := os.Stat(settings.Journal.Path); os.IsNotExist(err) {
		fmt.Fprintf(out, "No batches recorded yet (%s)\n", settings.Journal.Path)
		return nil
	}

	opts := settings.JournalOptions()
	opts.ReadOnly = true
	j, err := journal.Open(settings.Journal.Path, opts)
	if err != nil {
		return err
	}
	defer j.Close()

	records, err := j.Recent(limit)
	if err != nil {
		return err
	}

	return pulsePointRenderHistory(out, records, format)
}

func pulsePointRenderHistory(out io.Writer, records []*journal.Record, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(records)
	case "yaml":
		encoder := yaml.NewEncoder(out)
		defer encoder.Close()
		return encoder.Encode(records)
	case "text", "":
	default:
		return fmt.Errorf("unknown format %q (expected text, json or yaml)", format)
	}

	if len(records) == 0 {
		fmt.Fprintf(out, "No batches recorded yet\n")
		return nil
	}

	fmt.Fprintf(out, "📜 Recent Batches\n")
	fmt.Fprintf(out, "═══════════════════════════════════════\n")
	for _, record := range records {
		fmt.Fprintf(out, "\n#%d  %s  %s\n", record.Sequence,
			record.FlushedAt.Local().Format("2006-01-02 15:04:05"), record.Root)
		for _, path := range record.Paths {
			display := path
			if rel, err := filepath.Rel(record.Root, path); err == nil {
				display = rel
			}
			fmt.Fprintf(out, "   • %s\n", display)
		}
	}
	return nil
}
