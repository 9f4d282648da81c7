package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/harun/drillops/pkg/catalog"
	"github.com/harun/drillops/pkg/graph"
	"github.com/spf13/cobra"
)

var (
	validateCatalog  string
	validateScenario string
	validateSteps    []string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config and scenario catalog",
	Long: `Validate the config and scenario catalog.
Prints the execution levels of every scenario, or of a step subset of one
scenario with --scenario and --steps. Steps waiting on predecessors outside
the subset are listed as blocked.`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateCatalog, "catalog", "", "catalog file (default is catalog.path from the config)")
	validateCmd.Flags().StringVar(&validateScenario, "scenario", "", "only show this scenario")
	validateCmd.Flags().StringSliceVar(&validateSteps, "steps", nil, "step subset to plan (requires --scenario)")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	path := validateCatalog
	if path == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(out, "Config: invalid\n")
			return fmt.Errorf("invalid config: %w", err)
		}
		fmt.Fprintf(out, "Config: ok\n")
		path = cfg.Catalog.Path
	}

	cat, err := catalog.Load(path)
	if err != nil {
		fmt.Fprintf(out, "Catalog: invalid\n")
		return err
	}
	fmt.Fprintf(out, "Catalog: %s\n", path)

	if len(validateSteps) > 0 && validateScenario == "" {
		return errors.New("--steps requires --scenario")
	}

	scenarios := cat.Scenarios()
	if validateScenario != "" {
		sc, ok := cat.Scenario(validateScenario)
		if !ok {
			return fmt.Errorf("%w: %s", catalog.ErrUnknownScenario, validateScenario)
		}
		scenarios = []catalog.Scenario{sc}
	}

	var failed bool
	for _, sc := range scenarios {
		plan, err := graph.Build(sc.Steps, validateSteps, nil)
		if err != nil {
			failed = true
			fmt.Fprintf(out, "\nScenario %s: %v\n", sc.ID, err)
			continue
		}
		printPlan(out, sc, plan)
	}
	if failed {
		return errors.New("one or more scenarios cannot be planned")
	}
	return nil
}

func printPlan(out io.Writer, sc catalog.Scenario, plan *graph.Plan) {
	title := sc.ID
	if sc.Name != "" {
		title = fmt.Sprintf("%s (%s)", sc.ID, sc.Name)
	}
	fmt.Fprintf(out, "\nScenario %s: %d steps\n", title, len(plan.Order))

	runnable := plan.Levels
	if len(plan.Blocked) > 0 {
		runnable = runnable[:len(runnable)-1]
	}
	for i, level := range runnable {
		fmt.Fprintf(out, "  Level %d: %s\n", i+1, strings.Join(level, ", "))
	}
	if len(plan.Blocked) > 0 {
		fmt.Fprintf(out, "  Blocked: %s\n", strings.Join(plan.Blocked, ", "))
	}
}
