package launcher

import (
	"context"
	"fmt"

	"github.com/mpataki/simlaunch/internal/models"
	"github.com/mpataki/simlaunch/internal/workspace"
)

// resolveParameters evaluates command substitutions and returns the
// parameter values with their declaration order.
func resolveParameters(ctx context.Context, runner Runner, step models.Step) (map[string]string, []string, error) {
	values := make(map[string]string, len(step.Parameters))
	order := make([]string, 0, len(step.Parameters))

	for _, p := range step.Parameters {
		value := p.Value
		if p.IsSubstitution() {
			out, err := runner.Output(ctx, p.Command)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to resolve parameter %s: %w", p.Name, err)
			}
			value = string(out)
		}
		values[p.Name] = value
		order = append(order, p.Name)
	}
	return values, order, nil
}

// buildArgs returns the ros2 arguments for a step. paramsFile is empty when
// the step has no parameters.
func buildArgs(step models.Step, paramsFile string) []string {
	if step.LaunchFile != "" {
		args := []string{"launch", step.Package, step.LaunchFile}
		return append(args, step.Arguments...)
	}

	args := []string{"run", step.Package, step.Executable}
	args = append(args, step.Arguments...)

	if step.Namespace == "" && paramsFile == "" {
		return args
	}
	args = append(args, "--ros-args")
	if step.Namespace != "" {
		args = append(args, "-r", "__ns:=/"+step.Namespace)
	}
	if paramsFile != "" {
		args = append(args, "--params-file", paramsFile)
	}
	return args
}

// prepare resolves a step into a command line, writing its parameter file
// into the run workspace.
func prepare(ctx context.Context, runner Runner, ws *workspace.Workspace, ros2 []string, step models.Step) (string, []string, error) {
	var paramsFile string
	if len(step.Parameters) > 0 {
		values, order, err := resolveParameters(ctx, runner, step)
		if err != nil {
			return "", nil, err
		}
		paramsFile, err = ws.WriteParams(step.ID, values, order)
		if err != nil {
			return "", nil, err
		}
	}

	args := append(append([]string(nil), ros2[1:]...), buildArgs(step, paramsFile)...)
	return ros2[0], args, nil
}
