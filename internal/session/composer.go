// Package session composes the full launch session: the shared world and
// bridge steps, one spawn chain per entity, and the declared options.
package session

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/mpataki/simlaunch/internal/models"
	"github.com/mpataki/simlaunch/internal/sequencer"
)

var (
	ErrInvalidEntity   = errors.New("invalid entity")
	ErrDuplicateEntity = errors.New("duplicate entity name")
	ErrUnknownOption   = errors.New("unknown option")
	ErrInvalidOption   = errors.New("invalid option value")
)

const (
	WorldStepID  = "world"
	BridgeStepID = "bridge"
)

// DefaultName is the name of the built-in two-robot session.
const DefaultName = "diff_drive_pair"

// Entity names become ROS namespaces.
var entityName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// DefaultEntities returns the entities of the built-in session.
func DefaultEntities() []models.Entity {
	return []models.Entity{
		{Name: "r1", X: 0, Y: 0, Z: 0},
		{Name: "r2", X: -4.0, Y: -1.0, Z: 0},
	}
}

// Builder accumulates session inputs. It has value semantics: every With
// method returns a new Builder and never changes the receiver.
type Builder struct {
	name      string
	assets    models.Assets
	entities  []models.Entity
	overrides map[string]string
}

func NewBuilder(name string, assets models.Assets) Builder {
	return Builder{name: name, assets: assets}
}

func (b Builder) WithAssets(assets models.Assets) Builder {
	b.assets = assets
	return b
}

func (b Builder) WithEntity(e models.Entity) Builder {
	b.entities = append(append([]models.Entity(nil), b.entities...), e)
	return b
}

func (b Builder) WithEntities(entities ...models.Entity) Builder {
	b.entities = append(append([]models.Entity(nil), b.entities...), entities...)
	return b
}

// WithOverride sets the value of a declared option. Unknown names and
// invalid values are reported by Build.
func (b Builder) WithOverride(name, value string) Builder {
	overrides := make(map[string]string, len(b.overrides)+1)
	for k, v := range b.overrides {
		overrides[k] = v
	}
	overrides[name] = value
	b.overrides = overrides
	return b
}

func (b Builder) WithOverrides(values map[string]string) Builder {
	for k, v := range values {
		b = b.WithOverride(k, v)
	}
	return b
}

// Build composes the session. The action list is the world step, the
// bridge step, each entity's steps and bindings in input order, then the
// option declarations.
func (b Builder) Build() (*models.Session, error) {
	if err := b.validateEntities(); err != nil {
		return nil, err
	}

	options, err := b.resolveOptions()
	if err != nil {
		return nil, err
	}

	useSimTime, _ := strconv.ParseBool(optionValue(options, OptionUseSimTime))

	actions := []models.Action{
		stepAction(b.worldStep()),
		stepAction(b.bridgeStep(useSimTime)),
	}

	for _, e := range b.entities {
		plan := sequencer.Spawn(e, b.assets, sequencer.Options{UseSimTime: useSimTime})
		for _, s := range plan.Steps {
			actions = append(actions, stepAction(s))
		}
		for _, bind := range plan.Bindings {
			actions = append(actions, models.Action{Kind: models.ActionBinding, Binding: &bind})
		}
	}

	for _, o := range options {
		actions = append(actions, models.Action{Kind: models.ActionOption, Option: &o})
	}

	var warnings []string
	if f := optionValue(options, OptionDescriptionFormat); f != FormatURDF {
		warnings = append(warnings, fmt.Sprintf(
			"%s=%s is declared but entity descriptions are always generated as %s",
			OptionDescriptionFormat, f, FormatURDF))
	}

	return models.NewSession(b.name, b.entities, actions, warnings), nil
}

func (b Builder) validateEntities() error {
	seen := make(map[string]int, len(b.entities))
	for i, e := range b.entities {
		if e.Name == "" {
			return fmt.Errorf("%w: entity %d has no name", ErrInvalidEntity, i)
		}
		if !entityName.MatchString(e.Name) {
			return fmt.Errorf("%w: %q is not a valid namespace", ErrInvalidEntity, e.Name)
		}
		if prev, ok := seen[e.Name]; ok {
			return fmt.Errorf("%w: %q at positions %d and %d", ErrDuplicateEntity, e.Name, prev, i)
		}
		seen[e.Name] = i
	}
	return nil
}

func (b Builder) resolveOptions() ([]models.Option, error) {
	for name := range b.overrides {
		if _, ok := lookup(name); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownOption, name)
		}
	}

	options := make([]models.Option, 0, len(declarations))
	for _, d := range declarations {
		value := d.def
		if v, ok := b.overrides[d.name]; ok {
			if err := d.validate(v); err != nil {
				return nil, fmt.Errorf("%w: %s=%q: %v", ErrInvalidOption, d.name, v, err)
			}
			value = v
		}
		options = append(options, models.Option{
			Name:        d.name,
			Default:     d.def,
			Description: d.description,
			Value:       value,
		})
	}
	return options, nil
}

func (b Builder) worldStep() models.Step {
	return models.Step{
		ID:         WorldStepID,
		Kind:       models.StepWorld,
		Package:    "ros_gz_sim",
		LaunchFile: "gz_sim.launch.py",
		Arguments:  []string{"gz_args:=-r -v 1 " + b.assets.WorldFile},
		Output:     models.OutputScreen,
	}
}

func (b Builder) bridgeStep(useSimTime bool) models.Step {
	return models.Step{
		ID:         BridgeStepID,
		Kind:       models.StepBridge,
		Package:    "ros_gz_bridge",
		Executable: "parameter_bridge",
		Parameters: []models.Parameter{
			{Name: "config_file", Value: b.assets.BridgeConfig},
			{Name: "qos_overrides./tf_static.publisher.durability", Value: "transient_local"},
			{Name: "use_sim_time", Value: strconv.FormatBool(useSimTime)},
		},
		Output: models.OutputScreen,
	}
}

func stepAction(s models.Step) models.Action {
	return models.Action{Kind: models.ActionStep, Step: &s}
}

func optionValue(options []models.Option, name string) string {
	for _, o := range options {
		if o.Name == name {
			return o.Value
		}
	}
	return ""
}
