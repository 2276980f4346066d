package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/aretw0/parley/internal/config"
	"github.com/aretw0/parley/internal/presentation/tui"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/spf13/cobra"
)

var errInvalid = errors.New("configuration is invalid")

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check settings and avatar definitions",
	Long:  `Loads the PARLEY_* settings and the avatar definitions and reports every problem found.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintf(out, "%s %v\n", tui.Status(false, "✗ settings:"), err)
			return errInvalid
		}
		fmt.Fprintln(out, tui.Status(true, "✓ settings"))

		avatars, err := readAvatars(cmd, cfg)
		if err != nil {
			fmt.Fprintf(out, "%s %v\n", tui.Status(false, "✗ avatars:"), err)
			return errInvalid
		}
		if !reportAvatars(out, avatars) {
			return errInvalid
		}
		fmt.Fprintf(out, "%d avatar(s) valid\n", len(avatars))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

// readAvatars loads avatar definitions without the cross-avatar checks, which
// reportAvatars prints one by one.
func readAvatars(cmd *cobra.Command, cfg config.Config) ([]domain.SessionParams, error) {
	if cfg.AvatarsFile != "" && cfg.AvatarsDir == "" {
		return config.ReadAvatarsFile(cfg.AvatarsFile)
	}
	avatars, err := cfg.LoadAvatars(cmd.Context())
	if err != nil {
		return nil, err
	}
	if avatars == nil {
		return nil, errors.New("no avatar source configured")
	}
	return avatars, nil
}

func reportAvatars(w io.Writer, avatars []domain.SessionParams) bool {
	ok := true
	for _, a := range avatars {
		if err := a.Validate(); err != nil {
			fmt.Fprintf(w, "%s %v\n", tui.Status(false, "✗ "+a.ID+":"), err)
			ok = false
			continue
		}
		fmt.Fprintf(w, "%s channel=%s position=%s\n", tui.Status(true, "✓ "+a.ID), a.Channel, a.Position)
	}
	if err := config.ValidateAvatars(avatars); err != nil && ok {
		fmt.Fprintf(w, "%s %v\n", tui.Status(false, "✗ avatars:"), err)
		ok = false
	}
	return ok
}
