package models

type StepKind string

const (
	StepWorld          StepKind = "world"
	StepBridge         StepKind = "bridge"
	StepStatePublisher StepKind = "state_publisher"
	StepSpawn          StepKind = "spawn"
	StepBroadcaster    StepKind = "broadcaster"
	StepController     StepKind = "controller"
)

type OutputPolicy string

const (
	OutputScreen OutputPolicy = "screen"
	OutputLog    OutputPolicy = "log"
)

// Parameter is a node parameter. When Command is set the value is produced
// at execution time from the command's standard output.
type Parameter struct {
	Name    string   `json:"name"`
	Value   string   `json:"value,omitempty"`
	Command []string `json:"command,omitempty"`
}

// IsSubstitution reports whether the parameter must be resolved by running
// a command before the step starts.
func (p Parameter) IsSubstitution() bool {
	return len(p.Command) > 0
}

// Step describes one external process invocation. A Step with a LaunchFile
// is an included launch unit; otherwise it runs Package/Executable as a node.
type Step struct {
	ID         string       `json:"id"`
	Kind       StepKind     `json:"kind"`
	Entity     string       `json:"entity,omitempty"`
	Package    string       `json:"package"`
	Executable string       `json:"executable,omitempty"`
	LaunchFile string       `json:"launch_file,omitempty"`
	Namespace  string       `json:"namespace,omitempty"`
	Arguments  []string     `json:"arguments,omitempty"`
	Parameters []Parameter  `json:"parameters,omitempty"`
	Output     OutputPolicy `json:"output"`
}

// Clone returns a deep copy so callers cannot mutate shared slices.
func (s Step) Clone() Step {
	out := s
	out.Arguments = append([]string(nil), s.Arguments...)
	if s.Parameters != nil {
		out.Parameters = make([]Parameter, len(s.Parameters))
		for i, p := range s.Parameters {
			p.Command = append([]string(nil), p.Command...)
			out.Parameters[i] = p
		}
	}
	return out
}

// Binding gates the Dependents on the exit of the Watched step.
type Binding struct {
	Watched    string   `json:"watched"`
	Dependents []string `json:"dependents"`
}

func (b Binding) Clone() Binding {
	return Binding{Watched: b.Watched, Dependents: append([]string(nil), b.Dependents...)}
}
