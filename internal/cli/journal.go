package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"proctord/internal/config"
	"proctord/internal/store"
)

var (
	journalDB      string
	journalSession string
	journalCounts  bool
)

func init() {
	journalCmd.Flags().StringVar(&journalDB, "db", "", "Journal database (default: "+config.JournalPath()+")")
	journalCmd.Flags().StringVar(&journalSession, "session", "", "Only show entries of this session")
	journalCmd.Flags().BoolVar(&journalCounts, "counts", false, "Show entry counts per category")
	rootCmd.AddCommand(journalCmd)
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "List the local diagnostic journal",
	RunE:  runJournal,
}

func runJournal(cmd *cobra.Command, args []string) error {
	path := journalDB
	if path == "" {
		path = config.JournalPath()
	}
	s, err := store.Open(path)
	if err != nil {
		return err
	}
	defer s.Close()

	out := cmd.OutOrStdout()
	if journalCounts {
		counts, err := s.CountByCategory(journalSession)
		if err != nil {
			return err
		}
		cats := make([]string, 0, len(counts))
		for c := range counts {
			cats = append(cats, string(c))
		}
		sort.Strings(cats)
		for _, c := range cats {
			fmt.Fprintf(out, "%-12s %d\n", c, counts[store.Category(c)])
		}
		return nil
	}

	entries, err := s.List(journalSession)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tSESSION\tCATEGORY\tKIND\tOK\tDETAIL")
	for _, e := range entries {
		detail := e.Detail
		if e.Error != "" {
			detail += " error=" + e.Error
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%t\t%s\n",
			e.ID, e.Time().UTC().Format("2006-01-02T15:04:05.000Z"), e.SessionID, e.Category, e.Kind, e.OK, detail)
	}
	return tw.Flush()
}
