package mapsvc

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"go.uber.org/zap"
)

// Config is the parsed daemon configuration. The on-disk document is JSON
// (YAML is tolerated since the loader goes through a YAML-to-JSON bridge);
// the daemon only ever reads it.
type Config struct {
	UinputName   string             `json:"uinput_name"`
	Grab         bool               `json:"grab"`
	Inputs       []InputConfig      `json:"inputs"`
	BindingsKeys []KeyBindingConfig `json:"bindings_keys,omitempty"`
	BindingsAbs  []AbsBindingConfig `json:"bindings_abs,omitempty"`
}

// InputConfig describes one physical source device.
type InputConfig struct {
	Role         string              `json:"role"`
	ByID         string              `json:"by_id"`
	Vendor       string              `json:"vendor,omitempty"`
	Product      string              `json:"product,omitempty"`
	Optional     bool                `json:"optional"`
	Calibrations []CalibrationConfig `json:"calibrations,omitempty"`
}

// CalibrationConfig is one captured axis calibration, keyed by source code.
type CalibrationConfig struct {
	SrcCode        uint16 `json:"src_code"`
	ObservedMin    int32  `json:"observed_min"`
	ObservedMax    int32  `json:"observed_max"`
	Center         int32  `json:"center"`
	DeadzoneRadius int32  `json:"deadzone_radius"`
}

// KeyBindingConfig routes one physical button to one virtual button.
type KeyBindingConfig struct {
	Role string `json:"role"`
	Src  uint16 `json:"src"`
	Dst  uint16 `json:"dst"`
}

// AbsBindingConfig routes one physical axis to one virtual axis.
type AbsBindingConfig struct {
	Role     string  `json:"role"`
	Src      uint16  `json:"src"`
	Dst      uint16  `json:"dst"`
	Invert   bool    `json:"invert,omitempty"`
	Deadzone int32   `json:"deadzone,omitempty"`
	Scale    float64 `json:"scale,omitempty"`
}

// DefaultConfig is the baseline the on-disk document is decoded over.
func DefaultConfig() Config {
	return Config{
		UinputName: "Xbox 360 Controller (HOTAS fusion)",
		Grab:       true,
	}
}

// LoadConfig reads and decodes the configuration document at path.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot start from: unknown role
// names, duplicate roles, broken calibration invariants, or an empty device
// set. Per-binding problems are not fatal here; they are filtered with
// warnings when the binding table is built.
func (c Config) Validate() error {
	if len(c.Inputs) == 0 {
		return fmt.Errorf("no input devices configured")
	}
	seen := make(map[Role]struct{}, len(c.Inputs))
	for _, in := range c.Inputs {
		role, err := ParseRole(in.Role)
		if err != nil {
			return fmt.Errorf("input device: %w", err)
		}
		if _, dup := seen[role]; dup {
			return fmt.Errorf("role %s configured twice", role)
		}
		seen[role] = struct{}{}
		for _, cal := range in.Calibrations {
			acal := AxisCalibration{
				ObservedMin:    cal.ObservedMin,
				ObservedMax:    cal.ObservedMax,
				Center:         cal.Center,
				DeadzoneRadius: cal.DeadzoneRadius,
			}
			if err := acal.Validate(); err != nil {
				return fmt.Errorf("%s axis %d: %w", role, cal.SrcCode, err)
			}
		}
	}
	return nil
}

// BindingsFromConfig converts the configured bindings, skipping invalid ones
// with a warning: unknown roles, destinations outside the contract, and
// sources bound twice. When nothing valid remains the built-in default set is
// used, mirroring how a misconfigured mapper still produces a usable pad.
func BindingsFromConfig(log *zap.Logger, cfg Config) []Binding {
	var bindings []Binding
	bound := make(map[PhysicalInput]struct{})

	add := func(b Binding) bool {
		if !SlotValid(b.Dst) {
			log.Warn("ignoring binding outside the virtual contract",
				zap.String("role", b.Src.Role.String()),
				zap.Uint16("src", b.Src.Code),
				zap.Uint16("dst", b.Dst.Code))
			return false
		}
		if _, dup := bound[b.Src]; dup {
			log.Warn("ignoring duplicate binding for source",
				zap.String("role", b.Src.Role.String()),
				zap.String("kind", b.Src.Kind.String()),
				zap.Uint16("src", b.Src.Code))
			return false
		}
		bound[b.Src] = struct{}{}
		bindings = append(bindings, b)
		return true
	}

	for _, kb := range cfg.BindingsKeys {
		role, err := ParseRole(kb.Role)
		if err != nil {
			log.Warn("ignoring key binding", zap.Error(err))
			continue
		}
		add(Binding{
			Src: PhysicalInput{role, KindButton, kb.Src},
			Dst: VirtualSlot{KindButton, kb.Dst},
		})
	}
	for _, ab := range cfg.BindingsAbs {
		role, err := ParseRole(ab.Role)
		if err != nil {
			log.Warn("ignoring axis binding", zap.Error(err))
			continue
		}
		min, max, ok := axisRangeFor(ab.Dst)
		if !ok {
			log.Warn("ignoring axis binding outside the virtual contract",
				zap.String("role", ab.Role), zap.Uint16("dst", ab.Dst))
			continue
		}
		scale := ab.Scale
		if scale == 0 {
			scale = 1
		}
		add(Binding{
			Src: PhysicalInput{role, KindAxis, ab.Src},
			Dst: VirtualSlot{KindAxis, ab.Dst},
			Xform: AxisTransform{
				Invert:   ab.Invert,
				Deadzone: ab.Deadzone,
				Scale:    scale,
				MinOut:   min,
				MaxOut:   max,
			},
		})
	}

	if len(cfg.BindingsKeys) == 0 && len(cfg.BindingsAbs) == 0 {
		log.Info("no bindings configured, using defaults")
		return DefaultBindings()
	}
	if len(bindings) == 0 {
		log.Warn("all configured bindings were invalid, falling back to defaults")
		return DefaultBindings()
	}
	return bindings
}
