// Package sequencer builds the per-entity spawn chain: four launch steps and
// the two exit-gated bindings between them.
package sequencer

import (
	"fmt"
	"strconv"

	"github.com/mpataki/simlaunch/internal/models"
)

const (
	broadcasterController = "joint_state_broadcaster"
	baseController        = "diff_drive_base_controller"
	descriptionParam      = "robot_description"
)

// Plan is the chain produced for one entity. Steps are ordered
// state publisher, spawn, broadcaster, controller; Bindings are ordered
// spawn→broadcaster, broadcaster→controller.
type Plan struct {
	Entity   models.Entity
	Steps    []models.Step
	Bindings []models.Binding
}

// Options carries the session-level values the chain consumes.
type Options struct {
	UseSimTime bool
}

// StepID returns the session-unique ID of one role in an entity's chain.
func StepID(entity string, kind models.StepKind) string {
	return entity + "/" + string(kind)
}

// ControllerManager returns the namespaced controller manager endpoint of an
// entity. Distinct entity names always give distinct endpoints.
func ControllerManager(entity string) string {
	return "/" + entity + "/controller_manager"
}

// Spawn builds the chain for one entity. It performs no validation and
// starts nothing; name uniqueness is the composer's concern.
func Spawn(e models.Entity, assets models.Assets, opts Options) Plan {
	controllers := assets.ControllersFile
	if e.ControllersFile != "" {
		controllers = e.ControllersFile
	}

	publisher := models.Step{
		ID:         StepID(e.Name, models.StepStatePublisher),
		Kind:       models.StepStatePublisher,
		Entity:     e.Name,
		Package:    "robot_state_publisher",
		Executable: "robot_state_publisher",
		Namespace:  e.Name,
		Parameters: []models.Parameter{
			{
				Name:    descriptionParam,
				Command: []string{assets.Generator, assets.DescriptionTemplate, "namespace:=" + e.Name},
			},
			{Name: "use_sim_time", Value: strconv.FormatBool(opts.UseSimTime)},
		},
		Output: models.OutputScreen,
	}

	spawn := models.Step{
		ID:         StepID(e.Name, models.StepSpawn),
		Kind:       models.StepSpawn,
		Entity:     e.Name,
		Package:    "ros_gz_sim",
		Executable: "create",
		Namespace:  e.Name,
		Arguments: []string{
			"-topic", descriptionParam,
			"-name", assets.ModelName,
			"-allow_renaming", "true",
			"-x", formatCoord(e.X),
			"-y", formatCoord(e.Y),
			"-z", formatCoord(e.Z),
		},
		Output: models.OutputScreen,
	}

	broadcaster := models.Step{
		ID:         StepID(e.Name, models.StepBroadcaster),
		Kind:       models.StepBroadcaster,
		Entity:     e.Name,
		Package:    "controller_manager",
		Executable: "spawner",
		Arguments: []string{
			broadcasterController,
			"-c", ControllerManager(e.Name),
		},
		Output: models.OutputLog,
	}

	controller := models.Step{
		ID:         StepID(e.Name, models.StepController),
		Kind:       models.StepController,
		Entity:     e.Name,
		Package:    "controller_manager",
		Executable: "spawner",
		Arguments: []string{
			baseController,
			"--param-file", controllers,
			"-c", ControllerManager(e.Name),
		},
		Output: models.OutputLog,
	}

	return Plan{
		Entity: e,
		Steps:  []models.Step{publisher, spawn, broadcaster, controller},
		Bindings: []models.Binding{
			{Watched: spawn.ID, Dependents: []string{broadcaster.ID}},
			{Watched: broadcaster.ID, Dependents: []string{controller.ID}},
		},
	}
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// String renders the plan as one line per step, mostly for logs.
func (p Plan) String() string {
	s := fmt.Sprintf("entity %s (%s, %s, %s)", p.Entity.Name,
		formatCoord(p.Entity.X), formatCoord(p.Entity.Y), formatCoord(p.Entity.Z))
	for _, b := range p.Bindings {
		for _, d := range b.Dependents {
			s += fmt.Sprintf("; %s -> %s", b.Watched, d)
		}
	}
	return s
}
