package mapsvc

import (
	"fmt"
	"os"
	"syscall"

	"github.com/hotasfuse/hotasfuse/internal/evdev"
	"go.uber.org/zap"
)

// Device diagnosis outcomes.
const (
	DiagNotConfigured    = "NOT_CONFIGURED"
	DiagOpenFailed       = "OPEN_FAILED"
	DiagIdentityMismatch = "IDENTITY_MISMATCH"
	DiagOK               = "OK"
)

// DeviceDiagnosis is the probe result for one configured source.
type DeviceDiagnosis struct {
	Role         string `json:"role"`
	ByID         string `json:"by_id"`
	Optional     bool   `json:"optional"`
	Status       string `json:"status"`
	ResolvedPath string `json:"resolved_path,omitempty"`
	DeviceName   string `json:"device_name,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// Report is the non-interactive health summary produced by the diagnostics
// subcommand.
type Report struct {
	UinputName       string            `json:"uinput_name"`
	Grab             bool              `json:"grab"`
	Devices          []DeviceDiagnosis `json:"devices"`
	ActiveBindings   int               `json:"active_bindings"`
	UsingDefaults    bool              `json:"using_default_bindings"`
	Calibrations     int               `json:"calibrations"`
	UinputAccessible bool              `json:"uinput_accessible"`
	UinputDetail     string            `json:"uinput_detail,omitempty"`
	Healthy          bool              `json:"healthy"`
}

// Diagnose probes every configured device, the binding set and the uinput
// node without creating the virtual pad or grabbing anything.
func Diagnose(log *zap.Logger, cfg Config, checkIdentity identityCheckFunc) Report {
	report := Report{
		UinputName: cfg.UinputName,
		Grab:       cfg.Grab,
	}

	missingRequired := 0
	for _, in := range cfg.Inputs {
		diag := DeviceDiagnosis{
			Role:     in.Role,
			ByID:     in.ByID,
			Optional: in.Optional,
		}
		switch probe := probeDevice(in, checkIdentity); {
		case probe.err == nil:
			diag.Status = DiagOK
			diag.ResolvedPath = probe.path
			diag.DeviceName = probe.name
		default:
			diag.Status = probe.status
			diag.Detail = probe.err.Error()
			if !in.Optional {
				missingRequired++
			}
		}
		report.Devices = append(report.Devices, diag)
		report.Calibrations += len(in.Calibrations)
	}

	bindings := BindingsFromConfig(log, cfg)
	report.ActiveBindings = len(bindings)
	report.UsingDefaults = len(cfg.BindingsKeys) == 0 && len(cfg.BindingsAbs) == 0

	if f, err := os.OpenFile("/dev/uinput", os.O_WRONLY|syscall.O_NONBLOCK, 0); err != nil {
		report.UinputDetail = err.Error()
	} else {
		report.UinputAccessible = true
		f.Close()
	}

	report.Healthy = missingRequired == 0 && report.ActiveBindings > 0 && report.UinputAccessible
	return report
}

type probeResult struct {
	status string
	path   string
	name   string
	err    error
}

func probeDevice(in InputConfig, checkIdentity identityCheckFunc) probeResult {
	if in.ByID == "" {
		return probeResult{status: DiagNotConfigured, err: fmt.Errorf("no by-id path configured")}
	}
	dev, err := evdev.Open(in.ByID)
	if err != nil {
		return probeResult{status: DiagOpenFailed, err: err}
	}
	defer dev.Close()
	if in.Vendor != "" || in.Product != "" {
		if err := checkIdentity(dev.Path(), in.Vendor, in.Product); err != nil {
			return probeResult{status: DiagIdentityMismatch, err: err}
		}
	}
	return probeResult{status: DiagOK, path: dev.Path(), name: dev.Name()}
}
