package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mpataki/simlaunch/internal/models"
)

type Config struct {
	DataDir           string
	DBPath            string
	UserSessionDir    string
	ProjectSessionDir string

	// ShareDir holds the demo package resources (urdf, config, worlds).
	ShareDir string
	// ROS2 is the ros2 command line used to start every step.
	ROS2      string
	StopGrace time.Duration
	LogLevel  slog.Level
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("SIMLAUNCH_DATA_DIR", filepath.Join(homeDir, ".simlaunch"))

	grace, err := time.ParseDuration(getEnv("SIMLAUNCH_STOP_GRACE", "10s"))
	if err != nil {
		return nil, fmt.Errorf("invalid SIMLAUNCH_STOP_GRACE: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(getEnv("SIMLAUNCH_LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid SIMLAUNCH_LOG_LEVEL: %w", err)
	}

	c := &Config{
		DataDir:           dataDir,
		DBPath:            filepath.Join(dataDir, "simlaunch.db"),
		UserSessionDir:    filepath.Join(dataDir, "sessions"),
		ProjectSessionDir: ".simlaunch/sessions",
		ShareDir:          getEnv("SIMLAUNCH_SHARE_DIR", "/opt/ros/share/bargain_bots_demos"),
		ROS2:              getEnv("SIMLAUNCH_ROS2", "ros2"),
		StopGrace:         grace,
		LogLevel:          level,
	}

	return c, nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.UserSessionDir, 0755); err != nil {
		return err
	}
	return nil
}

func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

// SessionDirs lists manifest directories, project first.
func (c *Config) SessionDirs() []string {
	return []string{c.ProjectSessionDir, c.UserSessionDir}
}

// Assets returns the default resource locations under ShareDir.
func (c *Config) Assets() models.Assets {
	return models.Assets{
		Generator:           "xacro",
		DescriptionTemplate: filepath.Join(c.ShareDir, "urdf", "test_diff_drive.xacro.urdf"),
		ControllersFile:     filepath.Join(c.ShareDir, "config", "diff_drive_controller.yaml"),
		BridgeConfig:        filepath.Join(c.ShareDir, "config", "diff_drive_bridge.yaml"),
		WorldFile:           "world.sdf",
		ModelName:           "diff_drive",
	}
}

// ROS2Command splits ROS2 into program and leading arguments so values like
// "pixi run ros2" work.
func (c *Config) ROS2Command() (string, []string) {
	fields := strings.Fields(c.ROS2)
	if len(fields) == 0 {
		return "ros2", nil
	}
	return fields[0], fields[1:]
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
