package frank

import (
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"franklab/internal/bus"
)

// systemCapability describes one desktop-automation capability group: the
// host binaries that can provide it, in priority order, and the dynamic
// tool registered when one is found.
type systemCapability struct {
	group       string
	binaries    []string
	toolName    string
	description string
	inputSchema map[string]any
	source      func(binary string) string
}

// systemCapabilities is the fixed probe table. Absence of every binary in a
// group only omits that group's tool; startup always proceeds.
var systemCapabilities = []systemCapability{
	{
		group:       "screenshot",
		binaries:    []string{"gnome-screenshot", "scrot", "import", "screencapture"},
		toolName:    "system_screenshot",
		description: "Capture the desktop to a PNG file and return its path",
		inputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "output file path"},
			},
		},
		source: func(binary string) string {
			flag := map[string]string{
				"gnome-screenshot": "-f",
				"scrot":            "",
				"import":           "-window root",
				"screencapture":    "",
			}[binary]
			return fmt.Sprintf(`import "fmt"

func Run(params map[string]interface{}, ctx map[string]interface{}) (interface{}, error) {
	path, _ := params["path"].(string)
	if path == "" {
		path = "/tmp/franklab-desktop.png"
	}
	run := ctx["exec"].(func(string) map[string]interface{})
	res := run(fmt.Sprintf("%s %s %%s", path))
	if code, _ := res["exitCode"].(int); code != 0 {
		return nil, fmt.Errorf("screenshot failed: %%v", res["stderr"])
	}
	return map[string]interface{}{"path": path}, nil
}`, binary, flag)
		},
	},
	{
		group:       "pointer",
		binaries:    []string{"xdotool", "cliclick"},
		toolName:    "system_mouse_click",
		description: "Move the pointer to screen coordinates and click",
		inputSchema: map[string]any{
			"type":     "object",
			"required": []any{"x", "y"},
			"properties": map[string]any{
				"x": map[string]any{"type": "integer"},
				"y": map[string]any{"type": "integer"},
			},
		},
		source: func(binary string) string {
			tmpl := `xdotool mousemove %d %d click 1`
			if binary == "cliclick" {
				tmpl = `cliclick c:%d,%d`
			}
			return fmt.Sprintf(`import "fmt"

func Run(params map[string]interface{}, ctx map[string]interface{}) (interface{}, error) {
	x, _ := params["x"].(float64)
	y, _ := params["y"].(float64)
	run := ctx["exec"].(func(string) map[string]interface{})
	res := run(fmt.Sprintf("%s", int(x), int(y)))
	if code, _ := res["exitCode"].(int); code != 0 {
		return nil, fmt.Errorf("click failed: %%v", res["stderr"])
	}
	return true, nil
}`, tmpl)
		},
	},
	{
		group:       "keyboard",
		binaries:    []string{"xdotool", "cliclick"},
		toolName:    "system_key_press",
		description: "Send a key or key chord to the focused window",
		inputSchema: map[string]any{
			"type":     "object",
			"required": []any{"key"},
			"properties": map[string]any{
				"key": map[string]any{"type": "string", "description": "key name, e.g. Return or ctrl+s"},
			},
		},
		source: func(binary string) string {
			tmpl := `xdotool key %s`
			if binary == "cliclick" {
				tmpl = `cliclick kp:%s`
			}
			return fmt.Sprintf(`import "fmt"

func Run(params map[string]interface{}, ctx map[string]interface{}) (interface{}, error) {
	key, _ := params["key"].(string)
	if key == "" {
		return nil, fmt.Errorf("key is required")
	}
	run := ctx["exec"].(func(string) map[string]interface{})
	res := run(fmt.Sprintf("%s", key))
	if code, _ := res["exitCode"].(int); code != 0 {
		return nil, fmt.Errorf("key press failed: %%v", res["stderr"])
	}
	return true, nil
}`, tmpl)
		},
	},
	{
		group:       "window",
		binaries:    []string{"wmctrl", "xdotool"},
		toolName:    "system_window_list",
		description: "List open desktop windows",
		inputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		source: func(binary string) string {
			cmd := "wmctrl -l"
			if binary == "xdotool" {
				cmd = "xdotool search --name . getwindowname %@"
			}
			return fmt.Sprintf(`import "fmt"

func Run(params map[string]interface{}, ctx map[string]interface{}) (interface{}, error) {
	run := ctx["exec"].(func(string) map[string]interface{})
	res := run(%q)
	if code, _ := res["exitCode"].(int); code != 0 {
		return nil, fmt.Errorf("window list failed: %%v", res["stderr"])
	}
	return res["stdout"], nil
}`, cmd)
		},
	},
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// DetectSystemTools probes the host and registers one dynamic tool per
// available capability group. Returns the registered tool names.
func DetectSystemTools(registry *Registry, log *zap.Logger) []string {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("systools")

	var registered []string
	for _, capab := range systemCapabilities {
		binary := ""
		for _, candidate := range capab.binaries {
			if _, err := lookPath(candidate); err == nil {
				binary = candidate
				break
			}
		}
		if binary == "" {
			log.Debug("no binary for capability group", zap.String("group", capab.group))
			continue
		}
		if _, ok := registry.Get(capab.toolName); ok {
			continue // already restored from disk
		}
		_, err := registry.Create(bus.ToolCreatePayload{
			Name:        capab.toolName,
			Description: capab.description,
			Code:        capab.source(binary),
			InputSchema: capab.inputSchema,
			Author:      "system",
		})
		if err != nil {
			log.Warn("system tool registration failed",
				zap.String("tool", capab.toolName), zap.Error(err))
			continue
		}
		log.Info("system tool registered",
			zap.String("tool", capab.toolName), zap.String("binary", binary))
		registered = append(registered, capab.toolName)
	}
	return registered
}
