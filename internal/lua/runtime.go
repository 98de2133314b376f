// Package lua evaluates session scripts: sandboxed Lua programs that
// declare a session's entities, assets and options.
package lua

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/simlaunch/internal/models"
)

// Runtime evaluates one session script. A script defines a function
//
//	function session(args) ... end
//
// which is called with the launch arguments and declares the session through
// entity(), option(), world(), asset(), description() and log().
type Runtime struct {
	manifest *models.Manifest
	logs     []string
}

func NewRuntime() *Runtime {
	return &Runtime{logs: make([]string, 0)}
}

// Evaluate runs the script at path and returns the manifest it declared.
// The manifest is named after the file unless the script renames it.
func (r *Runtime) Evaluate(scriptPath string, args map[string]string) (*models.Manifest, error) {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(scriptPath), filepath.Ext(scriptPath))
	return r.evaluate(name, string(script), args)
}

func (r *Runtime) evaluate(name, script string, args map[string]string) (*models.Manifest, error) {
	r.manifest = &models.Manifest{Name: name, Options: make(map[string]string)}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // Don't load any libraries by default
	})
	defer L.Close()

	r.openSafeLibs(L)
	r.registerAPI(L)

	// Load and run the script to define the session function
	if err := L.DoString(script); err != nil {
		return nil, fmt.Errorf("failed to load script: %w", err)
	}

	fn := L.GetGlobal("session")
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("script must define a 'session' function")
	}

	argTable := L.NewTable()
	for k, v := range args {
		L.SetField(argTable, k, lua.LString(v))
	}

	L.Push(fn)
	L.Push(argTable)
	if err := L.PCall(1, 0, nil); err != nil {
		return nil, fmt.Errorf("session script failed: %w", err)
	}

	return r.manifest, nil
}

// openSafeLibs loads only the safe standard libraries
func (r *Runtime) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	// Remove dangerous base functions
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Sessions must be reproducible
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (r *Runtime) registerAPI(L *lua.LState) {
	L.SetGlobal("entity", L.NewFunction(r.luaEntity))
	L.SetGlobal("option", L.NewFunction(r.luaOption))
	L.SetGlobal("world", L.NewFunction(r.luaWorld))
	L.SetGlobal("asset", L.NewFunction(r.luaAsset))
	L.SetGlobal("description", L.NewFunction(r.luaDescription))
	L.SetGlobal("log", L.NewFunction(r.luaLog))
}

// luaEntity implements entity(name, x?, y?, z?, controllers_file?)
func (r *Runtime) luaEntity(L *lua.LState) int {
	e := models.Entity{
		Name:            L.CheckString(1),
		X:               float64(L.OptNumber(2, 0)),
		Y:               float64(L.OptNumber(3, 0)),
		Z:               float64(L.OptNumber(4, 0)),
		ControllersFile: L.OptString(5, ""),
	}
	r.manifest.Entities = append(r.manifest.Entities, e)
	return 0
}

// luaOption implements option(name, value). Booleans and numbers are
// converted to their string form.
func (r *Runtime) luaOption(L *lua.LState) int {
	name := L.CheckString(1)
	value := L.CheckAny(2)
	if value == lua.LNil {
		L.ArgError(2, "option value must not be nil")
		return 0
	}
	r.manifest.Options[name] = value.String()
	return 0
}

func (r *Runtime) luaWorld(L *lua.LState) int {
	r.manifest.Assets.WorldFile = L.CheckString(1)
	return 0
}

// luaAsset implements asset(key, value) using the manifest's asset keys.
func (r *Runtime) luaAsset(L *lua.LState) int {
	key := L.CheckString(1)
	value := L.CheckString(2)

	a := &r.manifest.Assets
	switch key {
	case "generator":
		a.Generator = value
	case "description_template":
		a.DescriptionTemplate = value
	case "controllers_file":
		a.ControllersFile = value
	case "bridge_config":
		a.BridgeConfig = value
	case "world_file":
		a.WorldFile = value
	case "model_name":
		a.ModelName = value
	default:
		L.ArgError(1, fmt.Sprintf("unknown asset %q", key))
	}
	return 0
}

func (r *Runtime) luaDescription(L *lua.LState) int {
	r.manifest.Description = L.CheckString(1)
	return 0
}

// luaLog implements the log(message) API
func (r *Runtime) luaLog(L *lua.LState) int {
	message := L.CheckString(1)
	r.logs = append(r.logs, message)
	return 0
}

// GetLogs returns the messages logged by the last evaluation.
func (r *Runtime) GetLogs() []string {
	return r.logs
}

// IsLuaScript checks if a file is a Lua session script
func IsLuaScript(path string) bool {
	return filepath.Ext(path) == ".lua"
}
