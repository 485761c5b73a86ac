package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-policy/internal/simulate"
)

func simulateCmd() *cobra.Command {
	var (
		runs    int
		jsonOut bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "simulate <scenario.json>",
		Short: "Replay a Bernoulli bandit scenario through a throwaway engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := simulate.LoadScenario(args[0])
			if err != nil {
				return err
			}
			if runs > 0 {
				s.Runs = runs
			}
			dir, err := os.MkdirTemp("", "policyd-simulate-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)

			sum, err := simulate.Run(cmd.Context(), s, simulate.Options{Dir: dir})
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(sum); err != nil {
					return err
				}
			} else {
				printSummary(sum, verbose)
			}
			if !sum.Passed {
				return fmt.Errorf("scenario expectations not met (best arm %.2f, within bound %.2f)", sum.BestArmRate, sum.WithinBoundRate)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&runs, "runs", 0, "override the scenario's run count")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON instead of table")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print one row per run")
	return cmd
}

// #region output
func printSummary(sum simulate.Summary, verbose bool) {
	if sum.Description != "" {
		fmt.Println(sum.Description)
	}
	if verbose {
		fmt.Printf("%-4s  %-12s  %-5s  %10s  %8s  %-6s  %s\n", "Run", "Top Arm", "Best", "Cum Regret", "Bound", "Within", "Pulls")
		fmt.Printf("%-4s+-%-12s+-%-5s+-%10s+-%8s+-%-6s+-%s\n", "----", "------------", "-----", "----------", "--------", "------", "--------------------")
		for _, r := range sum.Results {
			fmt.Printf("%-4d  %-12s  %-5t  %10.3f  %8.3f  %-6t  %s\n",
				r.Run, r.TopArm, r.FoundBest, r.Cumulative, r.Bound, r.WithinBound, formatPulls(r.Pulls))
		}
		fmt.Println()
	}
	fmt.Printf("Runs:               %d\n", sum.Runs)
	fmt.Printf("Best arm:           %s\n", sum.BestArm)
	fmt.Printf("Best arm found:     %.1f%%\n", 100*sum.BestArmRate)
	fmt.Printf("Within bound:       %.1f%%\n", 100*sum.WithinBoundRate)
	fmt.Printf("Mean regret:        %.3f (pseudo %.3f)\n", sum.MeanCumulative, sum.MeanPseudo)
	status := "PASS"
	if !sum.Passed {
		status = "FAIL"
	}
	fmt.Printf("Result:             %s\n", status)
}

func formatPulls(pulls map[string]int) string {
	ids := make([]string, 0, len(pulls))
	for id := range pulls {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%d", id, pulls[id])
	}
	return out
}

// #endregion output
