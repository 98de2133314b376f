package models

// Assets locates the files and names consumed by the external processes of
// a session. Paths are passed through verbatim; nothing here is read.
type Assets struct {
	Generator           string `yaml:"generator"`
	DescriptionTemplate string `yaml:"description_template"`
	ControllersFile     string `yaml:"controllers_file"`
	BridgeConfig        string `yaml:"bridge_config"`
	WorldFile           string `yaml:"world_file"`
	ModelName           string `yaml:"model_name"`
}

// Merge returns a copy of a with every non-empty field of override applied.
func (a Assets) Merge(override Assets) Assets {
	if override.Generator != "" {
		a.Generator = override.Generator
	}
	if override.DescriptionTemplate != "" {
		a.DescriptionTemplate = override.DescriptionTemplate
	}
	if override.ControllersFile != "" {
		a.ControllersFile = override.ControllersFile
	}
	if override.BridgeConfig != "" {
		a.BridgeConfig = override.BridgeConfig
	}
	if override.WorldFile != "" {
		a.WorldFile = override.WorldFile
	}
	if override.ModelName != "" {
		a.ModelName = override.ModelName
	}
	return a
}
