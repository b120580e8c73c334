package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/n0madic/go-online-rls/recorder"
	"github.com/n0madic/go-online-rls/report"
)

type plotFlags struct {
	db    string
	runID string
	out   string
	dims  int
	list  bool
}

func newPlotCmd() *cobra.Command {
	var f plotFlags
	cmd := &cobra.Command{
		Use:   "plot",
		Short: "Plot the normalized MSE curve of a recorded run",
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := recorder.Open(f.db)
			if err != nil {
				return err
			}
			defer rec.Close()

			if f.list {
				return listRuns(cmd, rec)
			}
			return plotRun(cmd.Context(), rec, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.db, "db", "rrls.db", "recorder database")
	flags.StringVar(&f.runID, "run", "", "run id, defaults to the most recent run")
	flags.StringVarP(&f.out, "out", "o", "nmse.png", "output image (png, svg or pdf)")
	flags.IntVar(&f.dims, "dims", 1, "number of output dimensions to plot")
	flags.BoolVar(&f.list, "list", false, "list recorded runs instead of plotting")
	return cmd
}

func listRuns(cmd *cobra.Command, rec *recorder.Recorder) error {
	runs, err := rec.Runs(cmd.Context())
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d samples\t%s\n",
			r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), r.Name, r.Samples, r.Summary)
	}
	return nil
}

func plotRun(ctx context.Context, rec *recorder.Recorder, f plotFlags) error {
	runID := f.runID
	title := runID
	if runID == "" {
		runs, err := rec.Runs(ctx)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			return errors.New("no recorded runs")
		}
		runID, title = runs[0].ID, runs[0].Name
	}
	if f.dims <= 0 {
		return fmt.Errorf("dims must be positive, got %d", f.dims)
	}

	series := make([]report.Series, 0, f.dims)
	for dim := 0; dim < f.dims; dim++ {
		pts, err := rec.History(ctx, runID, dim)
		if err != nil {
			return err
		}
		series = append(series, report.Series{Name: fmt.Sprintf("y[%d]", dim), Points: pts})
	}
	return report.PlotPerformance(series, "Normalized MSE: "+title, f.out)
}
