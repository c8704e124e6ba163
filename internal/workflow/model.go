// Package workflow describes a pipeline: when it triggers, which runtime it
// pins and the ordered steps it runs. Definitions are YAML documents; the
// live-service pipeline ships embedded as the default.
package workflow

import (
	"maps"
	"os"
	"time"

	"github.com/wolfeidau/livepipe/internal/util"
)

// Built-in actions usable via `uses`.
const (
	ActionCheckout     = "checkout"
	ActionSetupRuntime = "setup-runtime"
)

// Workflow is a parsed pipeline definition.
type Workflow struct {
	Name    string            `yaml:"name"`
	On      Triggers          `yaml:"on"`
	Runtime Runtime           `yaml:"runtime"`
	Env     map[string]string `yaml:"env"`
	Steps   []Step            `yaml:"steps"`
}

// Triggers lists the events that start the pipeline. A nil trigger is not
// configured; `push: {}` configures push with no branch filter.
type Triggers struct {
	Push        *PushTrigger        `yaml:"push"`
	PullRequest *PullRequestTrigger `yaml:"pull_request"`
	Dispatch    bool                `yaml:"dispatch"`
}

type PushTrigger struct {
	Branches       []string `yaml:"branches"`
	BranchesIgnore []string `yaml:"branches_ignore"`
	Tags           []string `yaml:"tags"`
}

type PullRequestTrigger struct {
	Branches []string `yaml:"branches"`
	Types    []string `yaml:"types"`
}

// DefaultPullRequestTypes are the pull request actions that trigger when
// `types` is not set.
var DefaultPullRequestTypes = []string{"opened", "synchronize", "reopened"}

// Runtime pins the runner image and interpreter the pipeline expects.
type Runtime struct {
	Image       string `yaml:"image"`
	Interpreter string `yaml:"interpreter"`
	Version     string `yaml:"version"`
}

// StepKind is derived from which of uses/run/service a step sets.
type StepKind int

const (
	KindInvalid StepKind = iota
	KindAction
	KindRun
	KindService
)

func (k StepKind) String() string {
	switch k {
	case KindAction:
		return "action"
	case KindRun:
		return "run"
	case KindService:
		return "service"
	default:
		return "invalid"
	}
}

type Step struct {
	Name             string            `yaml:"name"`
	Uses             string            `yaml:"uses"`
	With             map[string]string `yaml:"with"`
	Run              string            `yaml:"run"`
	Shell            string            `yaml:"shell"`
	Env              map[string]string `yaml:"env"`
	WorkingDirectory string            `yaml:"working_directory"`
	Timeout          time.Duration     `yaml:"timeout"`
	Service          *Service          `yaml:"service"`
}

// Kind reports the step kind, or KindInvalid when zero or several of
// uses, run and service are set.
func (s *Step) Kind() StepKind {
	set := 0
	kind := KindInvalid
	if s.Uses != "" {
		set++
		kind = KindAction
	}
	if s.Run != "" {
		set++
		kind = KindRun
	}
	if s.Service != nil {
		set++
		kind = KindService
	}
	if set != 1 {
		return KindInvalid
	}
	return kind
}

// Service is a background daemon started by a step and kept running for the
// rest of the run.
type Service struct {
	Run          string        `yaml:"run"`
	Ready        Probe         `yaml:"ready"`
	StartTimeout time.Duration `yaml:"start_timeout"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
}

// Probe decides when a service is ready. Exactly one of HTTP or TCP is set.
type Probe struct {
	HTTP         string        `yaml:"http"`
	TCP          string        `yaml:"tcp"`
	ExpectStatus int           `yaml:"expect_status"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	Auth         *ProbeAuth    `yaml:"auth"`
}

// ProbeAuth adds an Authorization header to HTTP probes.
type ProbeAuth struct {
	Type     string `yaml:"type"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
}

const (
	AuthBasic  = "basic"
	AuthBearer = "bearer"
)

const (
	DefaultShell        = "bash"
	DefaultStartTimeout = 60 * time.Second
	DefaultStopTimeout  = 10 * time.Second
	DefaultProbeTimeout = 2 * time.Second
	DefaultProbeBackoff = 250 * time.Millisecond
)

// ApplyDefaults fills unset fields with their defaults.
func (w *Workflow) ApplyDefaults() {
	if w.On.PullRequest != nil && len(w.On.PullRequest.Types) == 0 {
		w.On.PullRequest.Types = append([]string(nil), DefaultPullRequestTypes...)
	}

	for i := range w.Steps {
		st := &w.Steps[i]
		if st.Shell == "" {
			st.Shell = DefaultShell
		}
		if st.Service == nil {
			continue
		}
		if st.Service.StartTimeout == 0 {
			st.Service.StartTimeout = DefaultStartTimeout
		}
		if st.Service.StopTimeout == 0 {
			st.Service.StopTimeout = DefaultStopTimeout
		}
		if st.Service.Ready.Timeout == 0 {
			st.Service.Ready.Timeout = DefaultProbeTimeout
		}
		if st.Service.Ready.Interval == 0 {
			st.Service.Ready.Interval = DefaultProbeBackoff
		}
	}
}

// Step returns the step with the given name.
func (w *Workflow) Step(name string) (*Step, bool) {
	for i := range w.Steps {
		if w.Steps[i].Name == name {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// Services returns the service steps in declared order.
func (w *Workflow) Services() []*Step {
	var out []*Step
	for i := range w.Steps {
		if w.Steps[i].Service != nil {
			out = append(out, &w.Steps[i])
		}
	}
	return out
}

// Bindings returns the workflow env together with the env of every run
// step, each resolved against base. Later steps win on conflicting keys.
func (w *Workflow) Bindings(base map[string]string) map[string]string {
	out := w.Environment(nil, base)
	for i := range w.Steps {
		st := &w.Steps[i]
		if st.Kind() != KindRun || len(st.Env) == 0 {
			continue
		}
		maps.Copy(out, w.Environment(st, base))
	}
	return out
}

// Environment returns the workflow env layered with the step env. Values may
// reference variables of the same layer, earlier layers or the base
// environment with ${VAR}. A self reference such as PATH=${PATH}:/bin reads
// the earlier value.
func (w *Workflow) Environment(step *Step, base map[string]string) map[string]string {
	out := make(map[string]string)
	earlier := func(key string) string {
		if v, ok := out[key]; ok {
			return v
		}
		return base[key]
	}

	layers := []map[string]string{w.Env}
	if step != nil {
		layers = append(layers, step.Env)
	}
	for _, layer := range layers {
		resolved := make(map[string]string, len(layer))
		visiting := make(map[string]bool)

		var resolve func(key string) string
		resolve = func(key string) string {
			if v, ok := resolved[key]; ok {
				return v
			}
			raw, ok := layer[key]
			if !ok || visiting[key] {
				return earlier(key)
			}
			visiting[key] = true
			v := os.Expand(raw, resolve)
			visiting[key] = false
			resolved[key] = v
			return v
		}

		for _, k := range util.SortedKeys(layer) {
			resolve(k)
		}
		maps.Copy(out, resolved)
	}
	return out
}
