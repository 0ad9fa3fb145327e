package cli

import (
	"fmt"
	"strings"

	"github.com/dandantas/quantflow/internal/model"
	"github.com/spf13/cobra"
)

func (a *app) submitCommand() *cobra.Command {
	var (
		req        model.Requirement
		risk       string
		start, end string
		commission string
		rate       float64
		initial    float64
		universe   []string
		wait       bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an investment requirement as a workflow job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.RiskPreference = model.RiskPreference(risk)
			if start != "" || end != "" || len(universe) > 0 || commission != "" || initial > 0 {
				req.IncludeBacktest = true
				req.Backtest = &model.BacktestParams{
					Universe:       universe,
					StartDate:      start,
					EndDate:        end,
					Commission:     model.Commission{Model: commission, Rate: rate},
					InitialCapital: initial,
				}
			}

			c := a.client()
			jobID, err := c.Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !wait {
				return a.print(map[string]string{"jobId": jobID, "status": string(model.JobPending)})
			}
			return a.waitAndPrint(cmd, jobID)
		},
	}

	f := cmd.Flags()
	f.Float64Var(&req.TargetReturn, "target-return", 0, "target annual return in percent (0, 100]")
	f.StringVar(&risk, "risk", "", "risk preference: conservative, moderate or aggressive")
	f.Float64Var(&req.Capital, "capital", 0, "capital to allocate")
	f.StringSliceVar(&req.Tags, "tag", nil, "theme tag (repeatable)")
	f.StringVar(&req.StrategyType, "strategy-type", "", "strategy type, e.g. momentum or value")
	f.StringVar(&req.Frequency, "frequency", "", "rebalance frequency: daily, weekly or monthly")
	f.StringVar(&req.Notes, "notes", "", "free-form notes")
	f.BoolVar(&req.IncludeBacktest, "backtest", false, "backtest the synthesized strategy")
	f.StringVar(&start, "start", "", "backtest start date (YYYY-MM-DD)")
	f.StringVar(&end, "end", "", "backtest end date (YYYY-MM-DD)")
	f.StringSliceVar(&universe, "universe", nil, "backtest universe symbol (repeatable)")
	f.StringVar(&commission, "commission", "", "commission model: none, bps or per_trade")
	f.Float64Var(&rate, "commission-rate", 0, "commission rate")
	f.Float64Var(&initial, "initial-capital", 0, "backtest initial capital")
	f.BoolVar(&wait, "wait", false, "wait for the job to finish")
	_ = cmd.MarkFlagRequired("target-return")
	_ = cmd.MarkFlagRequired("risk")
	return cmd
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the current status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := a.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(view)
		},
	}
}

func (a *app) cancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cancelled, err := a.client().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(map[string]any{"jobId": args[0], "cancelled": cancelled})
		},
	}
}

func (a *app) waitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Poll a job until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.waitAndPrint(cmd, args[0])
		},
	}
}

func (a *app) backtestCommand() *cobra.Command {
	var (
		params   model.BacktestParams
		universe string
		noWait   bool
	)

	cmd := &cobra.Command{
		Use:   "backtest <strategy-id>",
		Short: "Backtest a stored strategy, reusing a cached result when available",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if universe != "" {
				params.Universe = strings.Split(universe, ",")
			}
			res, err := a.client().Backtest(cmd.Context(), args[0], params)
			if err != nil {
				return err
			}
			if res.Cached || noWait {
				return a.print(res)
			}
			return a.waitAndPrint(cmd, res.JobID)
		},
	}

	f := cmd.Flags()
	f.StringVar(&params.StartDate, "start", "", "start date (YYYY-MM-DD)")
	f.StringVar(&params.EndDate, "end", "", "end date (YYYY-MM-DD)")
	f.StringVar(&universe, "universe", "", "comma separated symbols")
	f.StringVar(&params.Commission.Model, "commission", "", "commission model: none, bps or per_trade")
	f.Float64Var(&params.Commission.Rate, "commission-rate", 0, "commission rate")
	f.Float64Var(&params.InitialCapital, "initial-capital", 0, "initial capital")
	f.BoolVar(&noWait, "no-wait", false, "return the job id without waiting")
	return cmd
}

func (a *app) waitAndPrint(cmd *cobra.Command, jobID string) error {
	errOut := cmd.ErrOrStderr()
	view, err := a.client().Wait(cmd.Context(), jobID, func(v model.JobView) {
		fmt.Fprintf(errOut, "%s %-9s %5.1f%% %s\n", jobID, v.Status, v.Progress*100, v.Message)
	})
	if err != nil {
		return err
	}
	if err := a.print(view); err != nil {
		return err
	}
	if view.Status != model.JobCompleted {
		return fmt.Errorf("job %s finished with status %s", jobID, view.Status)
	}
	return nil
}
