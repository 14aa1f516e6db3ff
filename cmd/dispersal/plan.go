package main

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"dispersal/pkg/catalog"
	"dispersal/pkg/conflict"
	"dispersal/pkg/placement"
	"dispersal/pkg/types"
)

func planCmd() *cobra.Command {
	var (
		fragmentCount int
		exclude       []string
		coLocate      bool
	)

	cmd := &cobra.Command{
		Use:   "plan <catalog-file>",
		Short: "Dry-run a placement against a catalog",
		Long:  `Compute the jurisdiction set and fragment assignment a registration would produce, without placing anything.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat := catalog.New()
			if err := cat.LoadFile(args[0]); err != nil {
				return err
			}

			scorer := conflict.NewScorer(cat, conflict.DefaultWeights())
			optimizer := placement.NewOptimizer(cat, scorer, placement.Policy{NoCoLocation: !coLocate})

			fragments := make([]types.FragmentID, fragmentCount)
			for i := range fragments {
				fragments[i] = types.FragmentID(fmt.Sprintf("frag-%03d", i))
			}

			excludeSet := make(map[types.JurisdictionID]bool, len(exclude))
			for _, id := range exclude {
				excludeSet[types.JurisdictionID(id)] = true
			}

			pl, err := optimizer.Select(placement.Request{
				DatasetID: "dry-run",
				Fragments: fragments,
				Exclude:   excludeSet,
				Version:   1,
			})
			if err != nil {
				return err
			}

			t := table.New().
				Border(lipgloss.RoundedBorder()).
				BorderStyle(borderStyle).
				StyleFunc(func(row, col int) lipgloss.Style {
					if row == table.HeaderRow {
						return headerStyle
					}
					return lipgloss.NewStyle().Padding(0, 1)
				}).
				Headers("FRAGMENT", "JURISDICTION")

			ids := make([]types.FragmentID, 0, len(pl.Assignments))
			for fid := range pl.Assignments {
				ids = append(ids, fid)
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			for _, fid := range ids {
				t.Row(string(fid), string(pl.Assignments[fid]))
			}

			fmt.Println(t)
			fmt.Printf("aggregate conflict score: %.2f\n", pl.AggregateConflict)
			return nil
		},
	}

	cmd.Flags().IntVarP(&fragmentCount, "fragments", "n", 3, "number of fragments to place")
	cmd.Flags().StringSliceVarP(&exclude, "exclude", "x", nil, "jurisdiction ids to exclude")
	cmd.Flags().BoolVar(&coLocate, "allow-co-location", false, "allow two fragments to share a jurisdiction")
	return cmd
}
