package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/lvonguyen/responseforge/internal/api"
	"github.com/lvonguyen/responseforge/internal/execution"
	"github.com/lvonguyen/responseforge/internal/policy"
	"github.com/lvonguyen/responseforge/internal/remediation"
)

var (
	inputFile     string
	outputFormat  string
	runDryRun     bool
	stopOnFailure bool
	environment   string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Plan and evaluate the response to one alert",
	Long: `Read an enriched alert and its threat assessment from a JSON file, build the
remediation plan and show the policy verdict for every action. Nothing is
executed.`,
	Example: `  responseforge plan -f alert.json
  responseforge plan -f alert.json --environment prod -o json`,
	RunE: runPlan,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Plan, evaluate and execute the response to one alert",
	Long: `Read an enriched alert and its threat assessment from a JSON file and run the
full response: plan, policy evaluation and execution of approved actions.
Actions that need human approval are skipped.`,
	Example: `  responseforge run -f alert.json --dry-run
  responseforge run -f alert.json --dry-run=false --stop-on-failure`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(planCmd, runCmd)

	for _, c := range []*cobra.Command{planCmd, runCmd} {
		c.Flags().StringVarP(&inputFile, "file", "f", "", "Alert JSON file (- for stdin)")
		c.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
		c.Flags().StringVar(&environment, "environment", "", "Override the configured environment")
		_ = c.MarkFlagRequired("file")
	}
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", true, "Check feasibility without changing anything")
	runCmd.Flags().BoolVar(&stopOnFailure, "stop-on-failure", true, "Stop and roll back on the first failed action")
}

func readRequest(path string) (*api.ResponseRequest, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var req api.ResponseRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if req.Alert == nil || req.Assessment == nil {
		return nil, fmt.Errorf("%s must contain alert and assessment", path)
	}
	return &req, nil
}

func runPlan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	req, err := readRequest(inputFile)
	if err != nil {
		return err
	}
	eng, err := buildEngine(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	env := firstNonEmpty(environment, req.Environment)
	plan, _, err := eng.responder.Plan(cmd.Context(), req.Alert, req.Assessment, env, true)
	if err != nil {
		return err
	}
	decision, err := eng.responder.Evaluate(cmd.Context(), plan, req.Alert, req.Assessment, env)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return writeJSONOut(api.PlanResponse{Plan: plan, Decision: decision})
	}
	renderPlan(plan, decision)
	return nil
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	req, err := readRequest(inputFile)
	if err != nil {
		return err
	}
	eng, err := buildEngine(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	ec := eng.executionDefaults()
	ec.Environment = firstNonEmpty(environment, req.Environment, ec.Environment)
	ec.DryRun = runDryRun
	ec.StopOnFailure = stopOnFailure
	ec.CorrelationID = req.CorrelationID

	out, err := eng.responder.Respond(cmd.Context(), req.Alert, req.Assessment, ec)
	if out == nil {
		return err
	}

	if outputFormat == "json" {
		if werr := writeJSONOut(out); werr != nil {
			return werr
		}
	} else {
		renderPlan(out.Plan, out.Decision)
		if out.Report != nil {
			renderReport(out.Report)
		}
	}
	if err != nil {
		return err
	}
	if out.Report.Failed() {
		return fmt.Errorf("one or more actions failed")
	}
	return nil
}

func renderPlan(plan *remediation.DecisionPlan, decision *policy.Decision) {
	fmt.Printf("Plan %s for alert %s\n", plan.ID, plan.AlertID)
	fmt.Printf("%s, Priority=%d\n\n", plan.Summary, plan.Priority)

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Action ID", "Kind", "Risk", "Impact", "Reversible", "Verdict", "Reasons"})
	for _, ad := range decision.Decisions {
		a := ad.Action
		tw.AppendRow(table.Row{a.ID, a.Kind, a.Risk, a.Impact, a.Reversible, ad.Status, strings.Join(ad.Reasons, "; ")})
	}
	tw.Render()

	if len(plan.RollbackActions) > 0 {
		rb := table.NewWriter()
		rb.SetOutputMirror(os.Stdout)
		rb.SetTitle("Rollback")
		rb.AppendHeader(table.Row{"Action ID", "Kind", "Parameters"})
		for _, a := range plan.RollbackActions {
			rb.AppendRow(table.Row{a.ID, a.Kind, formatParams(a.Parameters)})
		}
		rb.Render()
	}

	for _, line := range plan.Rationale {
		fmt.Println(line)
	}
	for _, note := range decision.Notes {
		fmt.Println(note)
	}
}

func renderReport(report *execution.Report) {
	fmt.Printf("\nExecution %s\n", report.CorrelationID)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Action ID", "Kind", "Status", "Executor", "Rollback", "Message"})
	for _, list := range [][]execution.ActionResult{report.Actions, report.RollbackActions} {
		for _, r := range list {
			tw.AppendRow(table.Row{r.ActionID, r.Kind, r.Status, r.ExecutorName, r.IsRollback, r.Message})
		}
	}
	tw.Render()
	for _, note := range report.Notes {
		fmt.Println(note)
	}
}

func formatParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, " ")
}

func writeJSONOut(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
