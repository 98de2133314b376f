package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/simlaunch/internal/models"
)

// Workspace is the per-run directory: generated parameter files, one log
// per step, and a snapshot of the session that was launched.
type Workspace struct {
	Path      string
	LogsPath  string
	ParamsDir string
}

type RunMetadata struct {
	RunID       int64             `json:"run_id"`
	SessionName string            `json:"session_name"`
	Entities    []models.Entity   `json:"entities"`
	Actions     []models.Action   `json:"actions"`
	Options     map[string]string `json:"options"`
}

func dirFor(baseDir string, runID int64) string {
	return filepath.Join(baseDir, fmt.Sprintf("run-%d", runID))
}

func Create(baseDir string, runID int64) (*Workspace, error) {
	w := newWorkspace(dirFor(baseDir, runID))

	for _, dir := range []string{w.Path, w.LogsPath, w.ParamsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return w, nil
}

func Open(baseDir string, runID int64) (*Workspace, error) {
	path := dirFor(baseDir, runID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("workspace for run %d does not exist", runID)
	}

	return newWorkspace(path), nil
}

// OpenPath opens a workspace from a stored run's workspace path.
func OpenPath(path string) *Workspace {
	return newWorkspace(path)
}

func newWorkspace(path string) *Workspace {
	return &Workspace{
		Path:      path,
		LogsPath:  filepath.Join(path, "logs"),
		ParamsDir: filepath.Join(path, "params"),
	}
}

// fileName maps a step ID such as "r1/spawn" to a flat file name.
// Entity names cannot contain '-', so the mapping is unambiguous.
func fileName(stepID string) string {
	return strings.ReplaceAll(stepID, "/", "-")
}

func (w *Workspace) WriteRunMetadata(meta *RunMetadata) error {
	path := filepath.Join(w.Path, "session.json")

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write session.json: %w", err)
	}

	return nil
}

func (w *Workspace) ReadRunMetadata() (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(w.Path, "session.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read session.json: %w", err)
	}

	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse session.json: %w", err)
	}
	return &meta, nil
}

// WriteParams writes a ROS 2 parameter file for a step and returns its path.
// Values that read as booleans or numbers are written as such.
func (w *Workspace) WriteParams(stepID string, params map[string]string, order []string) (string, error) {
	values := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range order {
		values.Content = append(values.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: name},
			paramNode(params[name]),
		)
	}

	doc := &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{
		{Kind: yaml.ScalarNode, Value: "/**"},
		{Kind: yaml.MappingNode, Content: []*yaml.Node{
			{Kind: yaml.ScalarNode, Value: "ros__parameters"},
			values,
		}},
	}}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal parameters for %s: %w", stepID, err)
	}

	path := filepath.Join(w.ParamsDir, fileName(stepID)+".yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write parameters for %s: %w", stepID, err)
	}
	return path, nil
}

func paramNode(v string) *yaml.Node {
	switch {
	case v == "true" || v == "false":
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: v}
	case isNumber(v):
		return &yaml.Node{Kind: yaml.ScalarNode, Value: v}
	case strings.Contains(v, "\n"):
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v, Style: yaml.LiteralStyle}
	default:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
	}
}

func isNumber(v string) bool {
	if v == "" {
		return false
	}
	_, err := strconv.ParseFloat(v, 64)
	return err == nil
}

func (w *Workspace) LogPath(stepID string) string {
	return filepath.Join(w.LogsPath, fileName(stepID)+".log")
}

// OpenLog opens a step's log for appending.
func (w *Workspace) OpenLog(stepID string) (*os.File, error) {
	f, err := os.OpenFile(w.LogPath(stepID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log for %s: %w", stepID, err)
	}
	return f, nil
}

func (w *Workspace) ReadLog(stepID string) (string, error) {
	data, err := os.ReadFile(w.LogPath(stepID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("no log for step %s", stepID)
		}
		return "", fmt.Errorf("failed to read log: %w", err)
	}
	return string(data), nil
}

func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Path)
}
