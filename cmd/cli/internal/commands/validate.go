package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/wolfeidau/livepipe/internal/workflow"
)

type ValidateCmd struct {
	Workflow    string `arg:"" optional:"" help:"workflow file, the built-in pipeline when empty"`
	PrintSource bool   `help:"print the built-in workflow definition and exit"`
}

func (v *ValidateCmd) Run(ctx context.Context) error {
	if v.PrintSource {
		_, err := os.Stdout.Write(workflow.DefaultYAML())
		return err
	}

	wf, err := workflow.LoadOrDefault(v.Workflow)
	if err != nil {
		return err
	}

	printPlan(os.Stdout, wf)
	return nil
}

// printPlan writes the triggers and the ordered steps of wf.
func printPlan(w io.Writer, wf *workflow.Workflow) {
	fmt.Fprintf(w, "Workflow %q is valid\n\n", wf.Name)

	fmt.Fprintln(w, "Triggers:")
	if p := wf.On.Push; p != nil {
		fmt.Fprintf(w, "  push          branches: %s", list(p.Branches))
		if len(p.BranchesIgnore) > 0 {
			fmt.Fprintf(w, " ignore: %s", list(p.BranchesIgnore))
		}
		if len(p.Tags) > 0 {
			fmt.Fprintf(w, " tags: %s", list(p.Tags))
		}
		fmt.Fprintln(w)
	}
	if pr := wf.On.PullRequest; pr != nil {
		fmt.Fprintf(w, "  pull_request  branches: %s types: %s\n", list(pr.Branches), list(pr.Types))
	}
	if wf.On.Dispatch {
		fmt.Fprintln(w, "  dispatch")
	}

	if rt := wf.Runtime; rt.Interpreter != "" {
		fmt.Fprintf(w, "\nRuntime: %s %s", rt.Interpreter, rt.Version)
		if rt.Image != "" {
			fmt.Fprintf(w, " (image %s)", rt.Image)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "\nSteps:")
	for i := range wf.Steps {
		st := &wf.Steps[i]
		fmt.Fprintf(w, "  %d. %-24s %-8s %s\n", i+1, st.Name, st.Kind(), stepDetail(st))
	}
}

func stepDetail(st *workflow.Step) string {
	switch st.Kind() {
	case workflow.KindAction:
		return st.Uses
	case workflow.KindService:
		probe := st.Service.Ready.HTTP
		if probe == "" {
			probe = "tcp://" + st.Service.Ready.TCP
		}
		return fmt.Sprintf("ready: %s (within %v)", probe, st.Service.StartTimeout)
	default:
		line, _, more := strings.Cut(strings.TrimSpace(st.Run), "\n")
		if more {
			line += " ..."
		}
		return line
	}
}

func list(items []string) string {
	if len(items) == 0 {
		return "*"
	}
	return strings.Join(items, ", ")
}
