package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/simlaunch/internal/config"
	"github.com/mpataki/simlaunch/internal/session"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ProjectSessionDir: t.TempDir(),
		UserSessionDir:    t.TempDir(),
		ShareDir:          "/share",
	}
}

func TestParseLaunchArgs(t *testing.T) {
	args, err := parseLaunchArgs([]string{"use_sim_time:=false", "count:=3", "gz_args:=-r -v 1 a.sdf"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"use_sim_time": "false",
		"count":        "3",
		"gz_args":      "-r -v 1 a.sdf",
	}, args)

	for _, bad := range []string{"use_sim_time=false", ":=x"} {
		_, err := parseLaunchArgs([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestResolveManifest_Default(t *testing.T) {
	cfg := testConfig(t)

	r, err := resolveManifest(cfg, "", "", nil)
	require.NoError(t, err)
	assert.Equal(t, session.DefaultName, r.manifest.Name)
	assert.False(t, r.scripted)

	sess, err := buildSession(cfg, r, map[string]string{"description_format": "sdf"})
	require.NoError(t, err)
	assert.Len(t, sess.Steps(), 10)
	assert.Len(t, sess.Warnings(), 1)

	step, ok := sess.Step("r1/controller")
	require.True(t, ok)
	assert.Contains(t, step.Arguments, "/share/config/diff_drive_controller.yaml")
}

func TestResolveManifest_NotFound(t *testing.T) {
	_, err := resolveManifest(testConfig(t), "nope", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "available: diff_drive_pair")
}

func TestResolveManifest_Script(t *testing.T) {
	cfg := testConfig(t)
	script := "function session(args)\n  for i = 1, tonumber(args.count) do entity(\"bot\" .. i, i, 0, 0) end\n  log(\"ok\")\nend\n"
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ProjectSessionDir, "fleet.lua"), []byte(script), 0644))

	args := map[string]string{"count": "3", "use_sim_time": "false"}
	r, err := resolveManifest(cfg, "fleet", "", args)
	require.NoError(t, err)
	assert.True(t, r.scripted)
	assert.Equal(t, []string{"ok"}, r.logs)

	sess, err := buildSession(cfg, r, args)
	require.NoError(t, err)
	assert.Len(t, sess.Entities(), 3)
	v, _ := sess.Option(session.OptionUseSimTime)
	assert.Equal(t, "false", v)
}

func TestResolveManifest_ScriptFlag(t *testing.T) {
	_, err := resolveManifest(testConfig(t), "", "session.yaml", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a Lua session script")
}

func TestBuildSession_UnknownArgument(t *testing.T) {
	cfg := testConfig(t)
	r, err := resolveManifest(cfg, "", "", nil)
	require.NoError(t, err)

	_, err = buildSession(cfg, r, map[string]string{"count": "3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown launch argument "count"`)

	_, err = buildSession(cfg, r, map[string]string{"use_sim_time": "maybe"})
	require.ErrorIs(t, err, session.ErrInvalidOption)
}

func TestLoadSessions_ManifestShadowsDefault(t *testing.T) {
	cfg := testConfig(t)
	manifest := "name: diff_drive_pair\nentities:\n  - name: solo\n"
	require.NoError(t, os.WriteFile(filepath.Join(cfg.UserSessionDir, "pair.yaml"), []byte(manifest), 0644))

	sessions, err := loadSessions(cfg)
	require.NoError(t, err)
	require.Contains(t, sessions, session.DefaultName)
	assert.Equal(t, "solo", sessions[session.DefaultName].Entities[0].Name)
}
