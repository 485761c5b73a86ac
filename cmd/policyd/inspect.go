package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-policy/internal/identity"
)

func inspectCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Read beliefs, studies and regret from the engine database",
	}
	cmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON instead of table")

	cmd.AddCommand(&cobra.Command{
		Use:   "user <user-id>",
		Short: "Show a user's beliefs, transfer stage and regret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			user, ok := rt.engine.Users().Lookup(args[0])
			if !ok {
				user = identity.User{ID: args[0]}
			}
			bandit, err := rt.engine.BanditStatus(cmd.Context(), user, 10)
			if err != nil {
				return err
			}
			transfer, err := rt.engine.TransferStatus(cmd.Context(), user)
			if err != nil {
				return err
			}
			report := rt.engine.RegretReport(user.ID)
			if jsonOut {
				return printJSON(map[string]any{"bandit": bandit, "transfer": transfer, "regret": report})
			}

			fmt.Printf("User %s  role=%s  specialty=%s  stage=%s  prior weight=%.2f\n\n",
				user.ID, user.Role, user.Specialty, transfer.Stage, transfer.BlendingInfo.PriorWeight)
			fmt.Printf("%-20s  %8s  %8s  %8s  %6s  %s\n", "Feature", "Blended", "Personal", "Prior", "Uses", "Critical")
			fmt.Printf("%-20s+-%8s+-%8s+-%8s+-%6s+-%s\n", "--------------------", "--------", "--------", "--------", "------", "--------")
			for _, fb := range bandit.FeatureBeliefs {
				fmt.Printf("%-20s  %8.4f  %8.4f  %8.4f  %6d  %t\n",
					fb.FeatureKey, fb.ExpectedValue, fb.PersonalExpected, fb.PriorExpected, fb.TotalInteractions, fb.IsCritical)
			}
			fmt.Println()
			if !report.HasData {
				fmt.Println("Regret: no rounds recorded")
				return nil
			}
			fmt.Printf("Regret: %d rounds, cumulative %.3f, bound %.3f (within=%t), converged=%t\n",
				report.Summary.Rounds, report.Summary.Cumulative, report.Bound.Bound, report.Bound.WithinBound, report.Convergence.Converged)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "studies",
		Short: "List studies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			studies := rt.engine.Studies()
			if jsonOut {
				return printJSON(studies)
			}
			if len(studies) == 0 {
				fmt.Fprintln(os.Stderr, "no studies found")
				return nil
			}
			fmt.Printf("%-12s  %-24s  %-16s  %-12s  %-7s  %4s  %s\n", "ID", "Name", "Policy", "Status", "Mode", "Pct", "Reason")
			fmt.Printf("%-12s+-%-24s+-%-16s+-%-12s+-%-7s+-%4s+-%s\n", "------------", "------------------------", "----------------", "------------", "-------", "----", "--------------------")
			for _, s := range studies {
				fmt.Printf("%-12s  %-24s  %-16s  %-12s  %-7s  %4d  %s\n",
					shortID(s.ID), s.Name, s.Policy.Name, s.Status, s.Mode, s.Percentage, s.Reason)
			}
			fmt.Printf("\nControl policy: %s\n", rt.engine.ControlPolicy().Name)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "regret",
		Short: "Show the global regret report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			report := rt.engine.RegretReport("")
			if jsonOut {
				return printJSON(report)
			}
			if !report.HasData {
				fmt.Println("no rounds recorded")
				return nil
			}
			fmt.Printf("Rounds:       %d\n", report.Summary.Rounds)
			fmt.Printf("Cumulative:   %.3f\n", report.Summary.Cumulative)
			fmt.Printf("Average:      %.4f\n", report.Summary.Average)
			fmt.Printf("Bound:        %.3f (c=%.2f, K=%d, ratio %.3f)\n", report.Bound.Bound, report.Bound.Constant, report.Bound.Arms, report.Bound.Ratio)
			fmt.Printf("Converged:    %t (rolling mean %.4f over %d)\n", report.Convergence.Converged, report.Convergence.RollingMean, report.Convergence.Window)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "dashboard",
		Short: "Print the assurance dashboard as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()
			d, err := rt.engine.AssuranceDashboard(cmd.Context(), 20)
			if err != nil {
				return err
			}
			return printJSON(d)
		},
	})
	return cmd
}

// #region helpers
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// #endregion helpers
