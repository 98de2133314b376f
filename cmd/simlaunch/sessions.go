package main

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/mpataki/simlaunch/internal/config"
	simLua "github.com/mpataki/simlaunch/internal/lua"
	"github.com/mpataki/simlaunch/internal/manifest"
	"github.com/mpataki/simlaunch/internal/models"
	"github.com/mpataki/simlaunch/internal/session"
)

// parseLaunchArgs reads "name:=value" pairs as given to --arg.
func parseLaunchArgs(pairs []string) (map[string]string, error) {
	args := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, ":=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid launch argument %q, expected name:=value", p)
		}
		args[name] = value
	}
	return args, nil
}

// loadSessions returns every known session, including the built-in one
// unless a manifest shadows it.
func loadSessions(cfg *config.Config) (map[string]*models.Manifest, error) {
	manifests, err := manifest.LoadAll(cfg.SessionDirs())
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	if _, ok := manifests[session.DefaultName]; !ok {
		manifests[session.DefaultName] = manifest.Default()
	}
	return manifests, nil
}

// resolved is a session manifest ready to compose. Scripted manifests come
// from Lua and carry the script's log lines.
type resolved struct {
	manifest *models.Manifest
	scripted bool
	logs     []string
}

// resolveManifest finds the named session, or evaluates scriptPath when set.
// Lua sessions are evaluated with the launch arguments.
func resolveManifest(cfg *config.Config, name, scriptPath string, args map[string]string) (*resolved, error) {
	if scriptPath != "" {
		if !simLua.IsLuaScript(scriptPath) {
			return nil, fmt.Errorf("not a Lua session script: %s", scriptPath)
		}
		return evaluateScript(scriptPath, args)
	}

	if name == "" {
		name = session.DefaultName
	}

	manifests, err := loadSessions(cfg)
	if err != nil {
		return nil, err
	}

	m, ok := manifests[name]
	if !ok {
		return nil, fmt.Errorf("session %q not found (available: %s)", name, strings.Join(sortedNames(manifests), ", "))
	}

	if m.Script != "" {
		return evaluateScript(m.Script, args)
	}
	return &resolved{manifest: m}, nil
}

func evaluateScript(path string, args map[string]string) (*resolved, error) {
	rt := simLua.NewRuntime()
	m, err := rt.Evaluate(path, args)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %s: %w", path, err)
	}
	return &resolved{manifest: m, scripted: true, logs: rt.GetLogs()}, nil
}

// buildSession composes the session. Launch arguments naming a declared
// option override it; the rest are only meaningful to Lua scripts.
func buildSession(cfg *config.Config, r *resolved, args map[string]string) (*models.Session, error) {
	m := r.manifest
	if err := manifest.Validate(m); err != nil {
		return nil, err
	}

	options := session.OptionNames()
	overrides := make(map[string]string)
	for name, value := range args {
		if slices.Contains(options, name) {
			overrides[name] = value
			continue
		}
		if !r.scripted {
			return nil, fmt.Errorf("unknown launch argument %q (options: %s)", name, strings.Join(options, ", "))
		}
	}

	sess, err := manifest.Builder(m, cfg.Assets()).WithOverrides(overrides).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to compose session %q: %w", m.Name, err)
	}
	return sess, nil
}

func sortedNames(manifests map[string]*models.Manifest) []string {
	names := make([]string, 0, len(manifests))
	for name := range manifests {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
