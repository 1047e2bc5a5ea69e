// Package export writes run results as flat files for external analysis.
package export

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/chrissnell/drydown/internal/pipeline"
	"github.com/chrissnell/drydown/internal/storage"
)

// FitColumns is the header of the fits export, one row per event and variant
var FitColumns = []string{
	"run_id", "site", "event_id", "start", "end", "valid_count", "elapsed_days",
	"wilting_point", "field_capacity", "variant",
	"k", "q", "theta0", "theta50", "loss_max",
	"n", "sse", "r_squared", "rmse", "aic", "bic", "k_denormalized", "et_max",
	"accepted", "small_q", "range_fraction", "observation_frequency", "reject_reason",
	"failure_kind", "failure_message",
}

// WriteFits writes every fit of the run in long format. Missing parameters
// and failed-fit statistics are empty cells.
func WriteFits(w io.Writer, run *pipeline.Run) error {
	_, events, _ := storage.Records(run)

	cw := csv.NewWriter(w)
	if err := cw.Write(FitColumns); err != nil {
		return err
	}
	for _, e := range events {
		for _, f := range e.Fits {
			if err := cw.Write(fitRow(e, f)); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func fitRow(e storage.EventRecord, f storage.FitRecord) []string {
	row := []string{
		e.RunID.String(), e.Site, e.ID.String(),
		e.Start.Format(time.DateOnly), e.End.Format(time.DateOnly),
		strconv.Itoa(e.ValidCount), strconv.Itoa(e.ElapsedDays),
		num(e.WiltingPoint), num(e.FieldCapacity), f.Variant,
		opt(f.K), opt(f.Q), opt(f.Theta0), opt(f.Theta50), opt(f.LossMax),
	}
	if f.Failed() {
		row = append(row, "", "", "", "", "", "", "", "", "", "", "", "", "")
	} else {
		row = append(row,
			strconv.Itoa(f.N), num(f.SSE), num(f.RSquared), num(f.RMSE), num(f.AIC), num(f.BIC),
			num(f.DenormalizedK), num(f.ETMax),
			strconv.FormatBool(f.Accepted), strconv.FormatBool(f.SmallQ),
			num(f.RangeFraction), num(f.ObservationFrequency), f.RejectReason,
		)
	}
	return append(row, f.FailureKind, f.FailureMessage)
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func opt(v *float64) string {
	if v == nil {
		return ""
	}
	return num(*v)
}
