package models

// Option is a declared session option with its resolved value.
type Option struct {
	Name        string `json:"name"`
	Default     string `json:"default"`
	Description string `json:"description"`
	Value       string `json:"value"`
}

type ActionKind string

const (
	ActionStep    ActionKind = "step"
	ActionBinding ActionKind = "binding"
	ActionOption  ActionKind = "option"
)

// Action is one entry of a session's ordered action list. Exactly one of
// Step, Binding or Option is set, matching Kind.
type Action struct {
	Kind    ActionKind `json:"kind"`
	Step    *Step      `json:"step,omitempty"`
	Binding *Binding   `json:"binding,omitempty"`
	Option  *Option    `json:"option,omitempty"`
}

func (a Action) clone() Action {
	out := Action{Kind: a.Kind}
	switch a.Kind {
	case ActionStep:
		s := a.Step.Clone()
		out.Step = &s
	case ActionBinding:
		b := a.Binding.Clone()
		out.Binding = &b
	case ActionOption:
		o := *a.Option
		out.Option = &o
	}
	return out
}

// Session is the immutable aggregate handed to the launcher. Construct it
// with NewSession; every accessor returns a copy.
type Session struct {
	name     string
	entities []Entity
	actions  []Action
	warnings []string
}

func NewSession(name string, entities []Entity, actions []Action, warnings []string) *Session {
	s := &Session{
		name:     name,
		entities: append([]Entity(nil), entities...),
		actions:  make([]Action, len(actions)),
		warnings: append([]string(nil), warnings...),
	}
	for i, a := range actions {
		s.actions[i] = a.clone()
	}
	return s
}

func (s *Session) Name() string { return s.name }

func (s *Session) Entities() []Entity {
	return append([]Entity(nil), s.entities...)
}

func (s *Session) Actions() []Action {
	out := make([]Action, len(s.actions))
	for i, a := range s.actions {
		out[i] = a.clone()
	}
	return out
}

func (s *Session) Steps() []Step {
	var steps []Step
	for _, a := range s.actions {
		if a.Kind == ActionStep {
			steps = append(steps, a.Step.Clone())
		}
	}
	return steps
}

func (s *Session) Bindings() []Binding {
	var bindings []Binding
	for _, a := range s.actions {
		if a.Kind == ActionBinding {
			bindings = append(bindings, a.Binding.Clone())
		}
	}
	return bindings
}

func (s *Session) Options() []Option {
	var opts []Option
	for _, a := range s.actions {
		if a.Kind == ActionOption {
			opts = append(opts, *a.Option)
		}
	}
	return opts
}

// Option returns the resolved value of a declared option.
func (s *Session) Option(name string) (string, bool) {
	for _, a := range s.actions {
		if a.Kind == ActionOption && a.Option.Name == name {
			return a.Option.Value, true
		}
	}
	return "", false
}

// Warnings lists known inconsistencies detected while building the session.
func (s *Session) Warnings() []string {
	return append([]string(nil), s.warnings...)
}

// Step looks up a step by ID.
func (s *Session) Step(id string) (Step, bool) {
	for _, a := range s.actions {
		if a.Kind == ActionStep && a.Step.ID == id {
			return a.Step.Clone(), true
		}
	}
	return Step{}, false
}
