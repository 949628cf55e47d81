package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"proctord/internal/config"
)

func init() {
	rootCmd.AddCommand(checkConfigCmd)
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Load, apply environment overrides and validate a configuration",
	RunE:  runCheckConfig,
}

func runCheckConfig(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.Load(configPath)
	if err != nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			for _, v := range verrs {
				fmt.Fprintf(out, "  INVALID  %-36s %s\n", v.Field, v.Message)
			}
			return fmt.Errorf("%d configuration error(s)", len(verrs))
		}
		return err
	}

	p := cfg.Policies
	fmt.Fprintln(out, "Configuration OK")
	fmt.Fprintf(out, "  session      %s / exam %s / candidate %s\n", orDash(cfg.Session.SessionID), orDash(cfg.Session.ExamID), orDash(cfg.Session.CandidateID))
	fmt.Fprintf(out, "  collector    %s\n", orDash(cfg.Collector.Endpoint))
	fmt.Fprintf(out, "  camera=%t microphone=%t fullscreen=%t consent=%t biometrics=%t environment=%t\n",
		p.RequireCamera, p.RequireMicrophone, p.RequireFullscreen, p.RequireConsent, p.RequireBiometrics, p.RequireEnvironmentCheck)
	fmt.Fprintf(out, "  max tab switches %d, snapshots every %s, audio segments %s\n",
		p.TabSwitchLimit(), cfg.SnapshotInterval(), cfg.ChunkInterval())
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
