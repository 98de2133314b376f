package session

import (
	"fmt"
	"strconv"
)

const (
	OptionUseSimTime        = "use_sim_time"
	OptionDescriptionFormat = "description_format"
)

const (
	FormatURDF = "urdf"
	FormatSDF  = "sdf"
)

type declaration struct {
	name        string
	def         string
	description string
	validate    func(string) error
}

// Declaration order is the order options appear in a session.
var declarations = []declaration{
	{
		name:        OptionUseSimTime,
		def:         "true",
		description: "If true, use simulated clock",
		validate: func(v string) error {
			_, err := strconv.ParseBool(v)
			return err
		},
	},
	{
		name:        OptionDescriptionFormat,
		def:         FormatURDF,
		description: "Robot description format to use, urdf or sdf",
		validate: func(v string) error {
			if v != FormatURDF && v != FormatSDF {
				return fmt.Errorf("must be %q or %q", FormatURDF, FormatSDF)
			}
			return nil
		},
	},
}

func lookup(name string) (declaration, bool) {
	for _, d := range declarations {
		if d.name == name {
			return d, true
		}
	}
	return declaration{}, false
}

// OptionNames lists the declared option names in declaration order.
func OptionNames() []string {
	names := make([]string, len(declarations))
	for i, d := range declarations {
		names[i] = d.name
	}
	return names
}
