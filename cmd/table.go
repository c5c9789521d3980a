package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/kozaktomas/shelf-matcher/internal/constants"
	"github.com/kozaktomas/shelf-matcher/internal/product"
)

var candidateHeaders = table.Row{"", "Rank", "Key", "Brand", "Name", "Size", "Stage", "Pre-filter", "Verdict", "AI", "Similarity", "Rationale"}

// renderCandidates renders the candidate rows of det, marking the chosen one.
// link, when non-nil, decorates the key (e.g. with a terminal hyperlink).
func renderCandidates(det *product.Detection, candidates []product.Candidate, link func(string) string) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(candidateHeaders)

	for _, c := range candidates {
		mark := ""
		if det.FullyResolved && c.Key == det.ChosenKey {
			mark = "*"
		}
		key := c.Key
		if link != nil {
			if l := link(c.Key); l != "" {
				key = l
			}
		}
		tw.AppendRow(table.Row{
			mark, c.Rank, key, c.Brand, c.Name, c.Size, string(c.Stage),
			formatScore(c.PrefilterScore), string(c.Verdict),
			formatScore(c.AIConfidence), formatScore(c.Similarity), c.Rationale,
		})
	}

	right := []int{2, 8, 10, 11}
	configs := make([]table.ColumnConfig, 0, len(right)+1)
	for _, n := range right {
		configs = append(configs, table.ColumnConfig{Number: n, Align: text.AlignRight, AlignHeader: text.AlignLeft})
	}
	configs = append(configs, table.ColumnConfig{Number: len(candidateHeaders), WidthMax: constants.RationaleWidth})
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

func formatScore(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}
