package workflow

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"

	"github.com/bmatcuk/doublestar/v4"
)

var stepNameRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

var knownActions = map[string]bool{
	ActionCheckout:     true,
	ActionSetupRuntime: true,
}

// Validate checks the workflow is runnable. It returns the first problem
// found, wrapped with one of the package sentinel errors.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidWorkflow)
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("%w: at least one step is required", ErrInvalidWorkflow)
	}

	if err := w.On.validate(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(w.Steps))
	for i := range w.Steps {
		st := &w.Steps[i]
		if err := st.validate(); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		if seen[st.Name] {
			return fmt.Errorf("%w: duplicate step name %q", ErrInvalidStep, st.Name)
		}
		seen[st.Name] = true
	}

	return nil
}

func (t *Triggers) validate() error {
	if t.Push != nil {
		for _, list := range [][]string{t.Push.Branches, t.Push.BranchesIgnore, t.Push.Tags} {
			if err := validatePatterns(list); err != nil {
				return fmt.Errorf("push: %w", err)
			}
		}
	}
	if t.PullRequest != nil {
		if err := validatePatterns(t.PullRequest.Branches); err != nil {
			return fmt.Errorf("pull_request: %w", err)
		}
	}
	return nil
}

func validatePatterns(patterns []string) error {
	for _, p := range patterns {
		if p == "" || !doublestar.ValidatePattern(p) {
			return fmt.Errorf("%w: invalid pattern %q", ErrInvalidTrigger, p)
		}
	}
	return nil
}

func (s *Step) validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidStep)
	}
	if !stepNameRegex.MatchString(s.Name) {
		return fmt.Errorf("%w: name %q may only contain letters, digits, '_', '.' and '-'", ErrInvalidStep, s.Name)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("%w: %s: timeout must not be negative", ErrInvalidStep, s.Name)
	}

	switch s.Kind() {
	case KindAction:
		if !knownActions[s.Uses] {
			return fmt.Errorf("%w: %s: unknown action %q", ErrInvalidStep, s.Name, s.Uses)
		}
	case KindRun:
	case KindService:
		if s.Service.Run == "" {
			return fmt.Errorf("%w: %s: service run command is required", ErrInvalidStep, s.Name)
		}
		if s.Service.StartTimeout < 0 || s.Service.StopTimeout < 0 {
			return fmt.Errorf("%w: %s: service timeouts must not be negative", ErrInvalidStep, s.Name)
		}
		if err := s.Service.Ready.validate(); err != nil {
			return fmt.Errorf("%s: %w", s.Name, err)
		}
	default:
		return fmt.Errorf("%w: %s: exactly one of uses, run or service must be set", ErrInvalidStep, s.Name)
	}

	return nil
}

func (p *Probe) validate() error {
	switch {
	case p.HTTP == "" && p.TCP == "":
		return fmt.Errorf("%w: one of http or tcp is required", ErrInvalidProbe)
	case p.HTTP != "" && p.TCP != "":
		return fmt.Errorf("%w: only one of http or tcp may be set", ErrInvalidProbe)
	}

	if p.Interval < 0 || p.Timeout < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidProbe)
	}

	if p.HTTP != "" {
		u, err := url.Parse(p.HTTP)
		if err != nil {
			return fmt.Errorf("%w: invalid url: %w", ErrInvalidProbe, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%w: url scheme must be http or https, got %q", ErrInvalidProbe, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("%w: url must include a host", ErrInvalidProbe)
		}
		if p.ExpectStatus != 0 && (p.ExpectStatus < 100 || p.ExpectStatus > 599) {
			return fmt.Errorf("%w: expect_status %d out of range", ErrInvalidProbe, p.ExpectStatus)
		}
	}

	if p.TCP != "" {
		_, port, err := net.SplitHostPort(p.TCP)
		if err != nil {
			return fmt.Errorf("%w: invalid tcp address: %w", ErrInvalidProbe, err)
		}
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("%w: invalid tcp port %q", ErrInvalidProbe, port)
		}
	}

	if p.Auth != nil {
		switch p.Auth.Type {
		case AuthBasic:
			if p.Auth.Username == "" {
				return fmt.Errorf("%w: basic auth requires a username", ErrInvalidProbe)
			}
		case AuthBearer:
			if p.Auth.Token == "" {
				return fmt.Errorf("%w: bearer auth requires a token", ErrInvalidProbe)
			}
		default:
			return fmt.Errorf("%w: unknown auth type %q", ErrInvalidProbe, p.Auth.Type)
		}
		if p.TCP != "" {
			return fmt.Errorf("%w: auth only applies to http probes", ErrInvalidProbe)
		}
	}

	return nil
}
