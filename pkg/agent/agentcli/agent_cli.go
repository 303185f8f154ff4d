package agentcli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hotasfuse/hotasfuse/internal/devreg"
	"github.com/hotasfuse/hotasfuse/internal/mapsvc"
	"github.com/hotasfuse/hotasfuse/internal/udevmon"
	"github.com/hotasfuse/hotasfuse/pkg/agent"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	dir, err := os.UserConfigDir()
	if err != nil {
		return err
	}
	cmd := NewRootCmd(filepath.Join(dir, "hotasfuse"))
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

func NewRootCmd(configDir string) *cobra.Command {
	cfg := agent.Config{
		DataDir:    filepath.Join(configDir, "data"),
		ConfigPath: filepath.Join(configDir, "config.json"),
	}
	rootCmd := &cobra.Command{
		Use:           "hotas-agent",
		Short:         "HOTAS fusion agent",
		Long:          `hotas-agent fuses stick, throttle and rudder devices into one stable virtual Xbox 360 controller.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory")
	rootCmd.PersistentFlags().StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "configuration file")
	rootCmd.AddCommand(NewRun(&cfg))
	rootCmd.AddCommand(NewListDevices(&cfg))
	rootCmd.AddCommand(NewDiagnostics(&cfg))
	return rootCmd
}

func NewRun(cfg *agent.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the fusion daemon",
		Long:  `Open the configured devices, create the virtual pad and translate events until terminated. SIGHUP reloads bindings and calibrations.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := agent.NewAgent(*cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(cmd.Context())
		},
	}
}

func NewListDevices(cfg *agent.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list-devices",
		Short: "List input devices",
		Long:  `List event devices currently present under /dev/input/by-id together with the registry's sighting history.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			present, err := devreg.ScanByID()
			if err != nil {
				return err
			}

			var known []devreg.Sighting
			logger := zap.NewNop()
			db, err := agent.OpenDB(cfg.DataDir, logger, true)
			if err == nil {
				known, err = devreg.List(db)
				db.Close()
				if err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.ErrOrStderr(), "registry unavailable: %v\n", err)
			}

			listing := struct {
				Present []devreg.ScannedDevice `json:"present"`
				Known   []devreg.Sighting      `json:"known,omitempty"`
			}{Present: present, Known: known}
			jsonB, err := json.MarshalIndent(listing, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonB))
			return nil
		},
	}
}

func NewDiagnostics(cfg *agent.Config) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "diagnostics",
		Short: "Report daemon health",
		Long:  `Probe the configured devices, the binding set and uinput access without creating the virtual pad. Exits non-zero when a required piece is missing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			mapCfg, err := mapsvc.LoadConfig(cfg.ConfigPath)
			if err != nil {
				return err
			}
			report := mapsvc.Diagnose(zap.NewNop(), mapCfg, udevmon.ValidateIdentity)

			out := cmd.OutOrStdout()
			if asJSON {
				jsonB, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(jsonB))
			} else {
				printReport(out, report)
			}
			if !report.Healthy {
				return fmt.Errorf("issues detected")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func printReport(out io.Writer, report mapsvc.Report) {
	fmt.Fprintf(out, "CONFIGURATION:\n")
	fmt.Fprintf(out, "  uinput_name: %s\n", report.UinputName)
	fmt.Fprintf(out, "  device_grab: %v\n", report.Grab)
	fmt.Fprintf(out, "  calibrations: %d\n", report.Calibrations)

	fmt.Fprintf(out, "\nDEVICES:\n")
	for _, dev := range report.Devices {
		fmt.Fprintf(out, "  %s:\n", dev.Role)
		fmt.Fprintf(out, "    configured_path: %s\n", dev.ByID)
		fmt.Fprintf(out, "    optional: %v\n", dev.Optional)
		fmt.Fprintf(out, "    status: %s\n", dev.Status)
		if dev.ResolvedPath != "" {
			fmt.Fprintf(out, "    resolved_path: %s\n", dev.ResolvedPath)
		}
		if dev.DeviceName != "" {
			fmt.Fprintf(out, "    device_name: %s\n", dev.DeviceName)
		}
		if dev.Detail != "" {
			fmt.Fprintf(out, "    detail: %s\n", dev.Detail)
		}
	}

	fmt.Fprintf(out, "\nBINDINGS:\n")
	fmt.Fprintf(out, "  active_bindings: %d\n", report.ActiveBindings)
	fmt.Fprintf(out, "  using_defaults: %v\n", report.UsingDefaults)

	fmt.Fprintf(out, "\nSYSTEM:\n")
	if report.UinputAccessible {
		fmt.Fprintf(out, "  /dev/uinput: ACCESSIBLE\n")
	} else {
		fmt.Fprintf(out, "  /dev/uinput: NOT_ACCESSIBLE (%s)\n", report.UinputDetail)
	}

	if report.Healthy {
		fmt.Fprintf(out, "\nSTATUS: HEALTHY\n")
	} else {
		fmt.Fprintf(out, "\nSTATUS: ISSUES_DETECTED\n")
	}
}
