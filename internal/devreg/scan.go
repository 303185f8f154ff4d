package devreg

import (
	"os"
	"path/filepath"
	"strings"
)

const byIDDir = "/dev/input/by-id"

// ScannedDevice is one event node currently present under /dev/input/by-id.
type ScannedDevice struct {
	ByID         string `json:"by_id"`
	ResolvedPath string `json:"resolved_path"`
}

// ScanByID lists the event nodes currently plugged in. Joystick-class devices
// carry "-event-joystick" suffixes but any "-event-" link is reported; the
// operator decides what to bind.
func ScanByID() ([]ScannedDevice, error) {
	entries, err := os.ReadDir(byIDDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var devices []ScannedDevice
	for _, entry := range entries {
		if !strings.Contains(entry.Name(), "-event-") {
			continue
		}
		link := filepath.Join(byIDDir, entry.Name())
		resolved, err := filepath.EvalSymlinks(link)
		if err != nil {
			continue
		}
		devices = append(devices, ScannedDevice{ByID: link, ResolvedPath: resolved})
	}
	return devices, nil
}
