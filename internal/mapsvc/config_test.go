package mapsvc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfigFile(t, `{
		"uinput_name": "Test Pad",
		"grab": false,
		"inputs": [
			{
				"role": "stick",
				"by_id": "/dev/input/by-id/usb-test-event-joystick",
				"vendor": "044f",
				"product": "b10a",
				"optional": false,
				"calibrations": [
					{"src_code": 0, "observed_min": 0, "observed_max": 16383,
					 "center": 8190, "deadzone_radius": 40}
				]
			},
			{"role": "rudder", "by_id": "/dev/input/by-id/usb-ped-event-joystick", "optional": true}
		],
		"bindings_abs": [
			{"role": "stick", "src": 0, "dst": 0, "invert": true, "deadzone": 5, "scale": 1.5}
		]
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "Test Pad", cfg.UinputName)
	assert.False(t, cfg.Grab)
	require.Len(t, cfg.Inputs, 2)
	assert.Equal(t, "stick", cfg.Inputs[0].Role)
	assert.Equal(t, "044f", cfg.Inputs[0].Vendor)
	require.Len(t, cfg.Inputs[0].Calibrations, 1)
	assert.Equal(t, int32(8190), cfg.Inputs[0].Calibrations[0].Center)
	assert.True(t, cfg.Inputs[1].Optional)
	require.Len(t, cfg.BindingsAbs, 1)
	assert.True(t, cfg.BindingsAbs[0].Invert)
	assert.Equal(t, 1.5, cfg.BindingsAbs[0].Scale)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfigFile(t, `{"inputs": [{"role": "stick", "by_id": "/dev/x"}]}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Grab, "grab defaults on")
	assert.NotEmpty(t, cfg.UinputName)
}

func TestLoadConfigYAMLTolerated(t *testing.T) {
	path := writeConfigFile(t, "inputs:\n  - role: throttle\n    by_id: /dev/x\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Inputs, 1)
	assert.Equal(t, "throttle", cfg.Inputs[0].Role)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	valid := Config{Inputs: []InputConfig{{Role: "stick", ByID: "/dev/x"}}}
	assert.NoError(t, valid.Validate())

	assert.Error(t, Config{}.Validate(), "empty device set")

	badRole := Config{Inputs: []InputConfig{{Role: "wheel", ByID: "/dev/x"}}}
	assert.Error(t, badRole.Validate())

	dupRole := Config{Inputs: []InputConfig{
		{Role: "stick", ByID: "/dev/x"},
		{Role: "stick", ByID: "/dev/y"},
	}}
	assert.Error(t, dupRole.Validate())

	badCal := Config{Inputs: []InputConfig{{
		Role: "stick", ByID: "/dev/x",
		Calibrations: []CalibrationConfig{
			{SrcCode: 0, ObservedMin: 100, ObservedMax: 0, Center: 50},
		},
	}}}
	assert.Error(t, badCal.Validate())
}
