package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/thebtf/taxon/pkg/client"
	"github.com/thebtf/taxon/pkg/models"
)

var (
	familiesVersion int64
	familiesLineage bool
)

var familiesCmd = &cobra.Command{
	Use:   "families [id]",
	Short: "List families or inspect one",
	Long: `List the active families, or show one family with its members.

With --version the listing shows a historical registry version instead
of the active one. With --lineage the family's mutation history is
shown: which families it split from or merged out of across epochs.

Examples:
  taxonctl families
  taxonctl families --version 12
  taxonctl families 5f4dcc3b-5aa7-4f52-9a6e-1d9f6b2c3a41
  taxonctl families 5f4dcc3b-5aa7-4f52-9a6e-1d9f6b2c3a41 --lineage`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		c := newClient()

		if len(args) == 0 {
			list, err := c.Families(ctx, familiesVersion)
			if err != nil {
				return err
			}
			return outputResult(list, func() error {
				if list.Count == 0 {
					printf("No families (registry version %d)\n", list.RegistryVersion)
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tMEMBERS\tCOHESION\tUPDATED")
				for _, f := range list.Families {
					fmt.Fprintf(w, "%s\t%s\t%d\t%.3f\t%s\n",
						shortID(f.FamilyID), truncate(f.Name, 40),
						f.MemberCount, f.Cohesion, epochTime(f.UpdatedAtEpoch))
				}
				if err := w.Flush(); err != nil {
					return err
				}
				printf("\n%d families, registry version %d\n", list.Count, list.RegistryVersion)
				return nil
			})
		}

		id := args[0]
		if familiesLineage {
			res, err := c.Lineage(ctx, id)
			if err != nil {
				return err
			}
			return outputResult(res, func() error {
				printLineage(res)
				return nil
			})
		}

		detail, err := c.Family(ctx, id)
		if err != nil {
			return err
		}
		return outputResult(detail, func() error {
			f := detail.Family
			printf("Family:   %s\n", f.Name)
			printf("ID:       %s\n", f.FamilyID)
			printf("Members:  %d\n", f.MemberCount)
			printf("Cohesion: %.3f\n", f.Cohesion)
			printf("Registry: version %d\n", f.RegistryVersion)
			if f.Description != "" {
				printf("About:    %s\n", f.Description)
			}
			if len(detail.Members) > 0 {
				printf("\nRecent members:\n")
				for _, m := range detail.Members {
					printf("  [%d] %s\n", m.ID, truncate(m.Text, 72))
				}
			}
			return nil
		})
	},
}

func printLineage(res *client.LineageResult) {
	h := res.Lineage
	name := func(id string) string {
		if n, ok := res.Names[id]; ok && n != "" {
			return fmt.Sprintf("%s (%s)", n, shortID(id))
		}
		return shortID(id)
	}
	edge := func(e *models.LineageEdge) string {
		return fmt.Sprintf("%s -> %s  %s  sim %.3f  epoch v%d",
			name(e.ParentFamilyID), name(e.ChildFamilyID),
			e.Mutation, e.Similarity, e.RegistryVersion)
	}

	printf("Lineage for %s\n", name(h.FamilyID))
	if len(h.Parents) == 0 && len(h.Children) == 0 {
		printf("  no recorded mutations\n")
		return
	}
	if len(h.Parents) > 0 {
		printf("\nParents:\n")
		for _, e := range h.Parents {
			printf("  %s\n", edge(e))
		}
	}
	if len(h.Children) > 0 {
		printf("\nChildren:\n")
		for _, e := range h.Children {
			printf("  %s\n", edge(e))
		}
	}
	if len(h.Ancestry) > len(h.Parents) {
		printf("\nAncestry:\n")
		for _, e := range h.Ancestry {
			printf("  %s\n", edge(e))
		}
	}
}

func init() {
	familiesCmd.Flags().Int64Var(&familiesVersion, "version", 0, "show a historical registry version")
	familiesCmd.Flags().BoolVar(&familiesLineage, "lineage", false, "show the family's mutation history")
}
