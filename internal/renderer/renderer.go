// Package renderer renders a Store snapshot as a tabular stdout
// display — the only UI this system has, per its scope.
package renderer

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/billygk/fundingwatch/internal/models"
)

// Render writes a ranked table of rows to w: symbol, category, funding
// rate, 24h volume, spread, volatility, time-to-funding, score.
func Render(w io.Writer, rows []models.SnapshotRow, asOf time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "funding watch — %s\n", asOf.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintln(tw, "SYMBOL\tCAT\tFUNDING\tVOLUME24H\tSPREAD\tVOL\tFUNDS IN\tSCORE")

	for _, r := range rows {
		vol := "n/a"
		if r.VolatilityPct != nil {
			vol = fmt.Sprintf("%.4f", mustFloat(*r.VolatilityPct))
		}
		score := "n/a"
		if r.Weight != nil {
			score = fmt.Sprintf("%.4f", mustFloat(*r.Weight))
		}
		fmt.Fprintf(tw, "%s\t%s\t%.6f\t%.0f\t%.4f\t%s\t%s\t%s\n",
			r.Symbol, r.Category, mustFloat(r.FundingRate), mustFloat(r.Volume24h), mustFloat(r.SpreadPct),
			vol, r.FundingTimeRemaining, score)
	}
}

func mustFloat(d interface{ Float64() (float64, bool) }) float64 {
	f, _ := d.Float64()
	return f
}
