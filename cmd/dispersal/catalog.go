package main

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"dispersal/pkg/catalog"
	"dispersal/pkg/conflict"
	"dispersal/pkg/types"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BE9FD"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4"))
	flagOn      = lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B")).Render("yes")
	flagOff     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4")).Render("-")
)

func catalogCmd() *cobra.Command {
	var showScores bool

	cmd := &cobra.Command{
		Use:   "catalog <catalog-file>",
		Short: "Inspect a jurisdiction catalog",
		Long:  `Load a catalog file, list its jurisdictions, and optionally print the pairwise conflict score matrix.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat := catalog.New()
			if err := cat.LoadFile(args[0]); err != nil {
				return err
			}

			records := cat.Snapshot(nil)
			sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

			t := table.New().
				Border(lipgloss.RoundedBorder()).
				BorderStyle(borderStyle).
				StyleFunc(func(row, col int) lipgloss.Style {
					if row == table.HeaderRow {
						return headerStyle
					}
					return lipgloss.NewStyle().Padding(0, 1)
				}).
				Headers("JURISDICTION", "PRIVACY", "MLAT DELAY", "SOVEREIGNTY", "EXTRADITION GAP", "OFFSHORE", "TREATIES")

			for _, rec := range records {
				t.Row(
					string(rec.ID),
					fmt.Sprintf("%d", rec.PrivacyScore),
					fmt.Sprintf("%dd", rec.MLATDelayDays),
					flag(rec.SovereigntyRequired),
					flag(rec.ExtraditionGap),
					flag(rec.OffshoreHaven),
					fmt.Sprintf("%d", len(rec.Treaties)),
				)
			}
			fmt.Println(t)

			if showScores {
				printScoreMatrix(cat, records)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&showScores, "scores", "s", false, "print the pairwise conflict score matrix")
	return cmd
}

func printScoreMatrix(cat *catalog.Catalog, records []*types.JurisdictionRecord) {
	weights := conflict.DefaultWeights()
	scorer := conflict.NewScorer(cat, weights)

	headers := []string{""}
	for _, rec := range records {
		headers = append(headers, string(rec.ID))
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow || col == 0 {
				return headerStyle
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...)

	for _, a := range records {
		row := []string{string(a.ID)}
		for _, b := range records {
			if a.ID == b.ID {
				row = append(row, "·")
				continue
			}
			score, err := scorer.Score(a.ID, b.ID)
			if err != nil {
				row = append(row, "?")
				continue
			}
			row = append(row, fmt.Sprintf("%.1f", score))
		}
		t.Row(row...)
	}
	fmt.Println(t)
}

func flag(v bool) string {
	if v {
		return flagOn
	}
	return flagOff
}
