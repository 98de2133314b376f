package models

// Entity is one simulated robot instance. Name is its identity and its
// namespace; it must be unique within a session.
type Entity struct {
	Name string  `yaml:"name" json:"name"`
	X    float64 `yaml:"x" json:"x"`
	Y    float64 `yaml:"y" json:"y"`
	Z    float64 `yaml:"z" json:"z"`

	// ControllersFile overrides the session's controller parameter file
	// for this entity only.
	ControllersFile string `yaml:"controllers_file,omitempty" json:"controllers_file,omitempty"`
}

type EntityState string

const (
	EntityIdle                EntityState = "idle"
	EntityPublishing          EntityState = "publishing"
	EntityCreating            EntityState = "creating"
	EntityBroadcasterStarting EntityState = "broadcaster_starting"
	EntityControllerStarting  EntityState = "controller_starting"
	EntityReady               EntityState = "ready"
	EntityFailed              EntityState = "failed"
)
