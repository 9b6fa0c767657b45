// Command agentpack is a thin demonstration front-end over the core
// packages: it wires engine/deploy/apply/drift/evolve together behind a
// handful of subcommands and prints a JSON envelope (internal/envelope)
// for each. A real CLI's argument parsing, human-readable output, and MCP
// server front-end are a consumer concern and are not built out here.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/liqiongyu/agentpack/internal/apply"
	"github.com/liqiongyu/agentpack/internal/confirm"
	"github.com/liqiongyu/agentpack/internal/drift"
	"github.com/liqiongyu/agentpack/internal/engine"
	"github.com/liqiongyu/agentpack/internal/envelope"
	"github.com/liqiongyu/agentpack/internal/events"
	"github.com/liqiongyu/agentpack/internal/evolve"
	"github.com/liqiongyu/agentpack/internal/score"
	"github.com/liqiongyu/agentpack/internal/usererror"
)

const version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]
	ctx := context.Background()

	switch command {
	case "plan":
		runPlan(ctx, command, args)
	case "deploy":
		runDeploy(ctx, command, args)
	case "status":
		runStatus(ctx, command, args)
	case "rollback":
		runRollback(ctx, command, args)
	case "evolve":
		runEvolve(ctx, command, args)
	case "score":
		runScore(ctx, command)
	case "version", "-v", "--version":
		fmt.Printf("agentpack v%s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`agentpack commands:
  plan     [--profile NAME] [--target NAME]         compute what deploy would change
  deploy   [--profile NAME] [--target NAME] [--yes] render + apply (default: dry-run)
  status   [--profile NAME] [--target NAME]         drift report
  rollback SNAPSHOT_ID                               revert to an earlier snapshot
  evolve   propose|restore [--scope global|machine|project] [--yes]
  score                                              per-module event-log reliability summary
  version
  help`)
}

func loadEngine(ctx context.Context) (*engine.Engine, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return engine.Load(ctx, cwd, "", "")
}

func flagValue(args []string, name string) (string, bool) {
	for i, a := range args {
		if a == "--"+name && i+1 < len(args) {
			return args[i+1], true
		}
		if strings.HasPrefix(a, "--"+name+"=") {
			return strings.TrimPrefix(a, "--"+name+"="), true
		}
	}
	return "", false
}

func hasFlag(args []string, name string) bool {
	for _, a := range args {
		if a == "--"+name {
			return true
		}
	}
	return false
}

func profileAndTarget(args []string) (string, string) {
	profile, ok := flagValue(args, "profile")
	if !ok {
		profile = "default"
	}
	target, _ := flagValue(args, "target")
	return profile, target
}

func emit(command string, data any, warnings []string, err error) {
	if err != nil {
		printErr(command, err)
		os.Exit(1)
	}
	out, marshalErr := json.MarshalIndent(envelope.OK(command, version, data, warnings), "", "  ")
	if marshalErr != nil {
		fmt.Fprintf(os.Stderr, "marshal output: %v\n", marshalErr)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func printErr(command string, err error) {
	code := usererror.CodeUnexpected
	message := err.Error()
	var details map[string]any
	var userErr *usererror.UserError
	if asUserError(err, &userErr) {
		code = userErr.Code
		message = userErr.Message
		details = userErr.Details
	}
	out, _ := json.MarshalIndent(
		envelope.Err(command, version, struct{}{}, []envelope.Error{envelope.FromUserError(code, message, details)}),
		"", "  ",
	)
	fmt.Fprintln(os.Stderr, string(out))
}

func asUserError(err error, target **usererror.UserError) bool {
	for err != nil {
		if ue, ok := err.(*usererror.UserError); ok {
			*target = ue
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func runPlan(ctx context.Context, command string, args []string) {
	e, err := loadEngine(ctx)
	if err != nil {
		printErr(command, err)
		os.Exit(1)
	}
	profile, target := profileAndTarget(args)
	result, err := e.Plan(ctx, profile, target)
	emit(command, result.Plan, result.Render.Warnings, err)
}

func runDeploy(ctx context.Context, command string, args []string) {
	e, err := loadEngine(ctx)
	if err != nil {
		printErr(command, err)
		os.Exit(1)
	}
	profile, target := profileAndTarget(args)
	result, err := e.Plan(ctx, profile, target)
	if err != nil {
		printErr(command, err)
		os.Exit(1)
	}

	if !hasFlag(args, "yes") {
		emit(command, result.Plan, append(result.Render.Warnings, "dry run: pass --yes to apply"), nil)
		return
	}
	if err := confirm.RequireApproval(true); err != nil {
		printErr(command, err)
		os.Exit(1)
	}

	snapshot, err := apply.Plan(e.Home, "deploy", result.Plan, result.Render.Desired, e.Repo.LockfilePath, result.Render.Roots)
	emit(command, snapshot, result.Render.Warnings, err)
}

func runStatus(ctx context.Context, command string, args []string) {
	e, err := loadEngine(ctx)
	if err != nil {
		printErr(command, err)
		os.Exit(1)
	}
	profile, target := profileAndTarget(args)
	render, err := e.DesiredState(ctx, profile, target)
	if err != nil {
		printErr(command, err)
		os.Exit(1)
	}
	report, err := drift.Scan(render.Desired, render.Roots, drift.ScanOptions{})
	emit(command, report, render.Warnings, err)
}

func runRollback(_ context.Context, command string, args []string) {
	if len(args) == 0 {
		printErr(command, usererror.New(usererror.CodeConfigInvalid, "rollback requires a snapshot id"))
		os.Exit(1)
	}
	e, err := loadEngine(context.Background())
	if err != nil {
		printErr(command, err)
		os.Exit(1)
	}
	snapshot, err := apply.Rollback(e.Home, args[0])
	emit(command, snapshot, nil, err)
}

func runScore(ctx context.Context, command string) {
	e, err := loadEngine(ctx)
	if err != nil {
		printErr(command, err)
		os.Exit(1)
	}
	records, readStats, warnings, err := events.ReadAll(e.Home)
	if err != nil {
		printErr(command, err)
		os.Exit(1)
	}
	result := score.Compute(records, readStats, e.Manifest)
	emit(command, result, warnings, nil)
}

func runEvolve(ctx context.Context, command string, args []string) {
	if len(args) == 0 {
		printErr(command, usererror.New(usererror.CodeConfigInvalid, "evolve requires a subcommand: propose or restore"))
		os.Exit(1)
	}
	e, err := loadEngine(ctx)
	if err != nil {
		printErr(command, err)
		os.Exit(1)
	}
	profile, target := profileAndTarget(args)
	applyMode := hasFlag(args, "yes")

	switch args[0] {
	case "propose":
		scope := evolve.ScopeGlobal
		if v, ok := flagValue(args, "scope"); ok {
			scope = evolve.Scope(v)
		}
		result, err := evolve.Propose(ctx, e, profile, target, scope, applyMode, applyMode)
		emit(command, result, nil, err)
	case "restore":
		result, err := evolve.Restore(ctx, e, profile, target, applyMode, applyMode)
		emit(command, result, result.Warnings, err)
	default:
		printErr(command, usererror.New(usererror.CodeConfigInvalid, fmt.Sprintf("unknown evolve subcommand: %s", args[0])))
		os.Exit(1)
	}
}
