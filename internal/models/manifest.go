package models

// Manifest is a session as declared in a YAML file or produced by a Lua
// session script.
type Manifest struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Assets      Assets            `yaml:"assets"`
	Entities    []Entity          `yaml:"entities"`
	Options     map[string]string `yaml:"options"`

	// Script is set for Lua sessions, which are evaluated on demand.
	Script string `yaml:"-"`
}
