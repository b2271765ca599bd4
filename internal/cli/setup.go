package cli

import (
	"fmt"
	"os"

	"github.com/fmueller/voxqueue/internal/config"
	"github.com/fmueller/voxqueue/internal/download"
	"github.com/fmueller/voxqueue/internal/whisper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSetupCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Download and verify speech model assets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if app.cfg.Engine != config.EngineWhisperCLI {
				fmt.Fprintf(cmd.OutOrStdout(), "Engine %s needs no local model\n", app.cfg.Engine)
				return nil
			}

			modelDir, err := app.modelStorageDir()
			if err != nil {
				return err
			}

			resolved, err := whisper.ResolveModel(app.cfg.Model, modelDir)
			if err != nil {
				return err
			}
			if resolved.IsCustomPath {
				return fmt.Errorf("setup expects a named model; got custom path %s", resolved.Path)
			}

			if !resolved.NeedsDownload {
				if err := download.VerifyFileChecksum(resolved.Path, resolved.SHA256); err != nil {
					app.log().Warn("model checksum verification failed; downloading fresh copy", zap.String("model", resolved.Name), zap.Error(err))
					if err := os.Remove(resolved.Path); err != nil {
						return fmt.Errorf("remove corrupt model %s: %w", resolved.Path, err)
					}
				} else {
					app.log().Info("model already present", zap.String("model", resolved.Name), zap.String("path", resolved.Path))
					fmt.Fprintf(cmd.OutOrStdout(), "Model %s already present at %s\n", resolved.Name, resolved.Path)
					return nil
				}
			}

			loader := &whisper.LocalLoader{
				ModelDir:     modelDir,
				AutoDownload: true,
				NoProgress:   !app.progressEnabled(),
				Logger:       app.log(),
			}
			if _, err := loader.EnsureModel(cmd.Context(), resolved.Name); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Model %s installed at %s\n", resolved.Name, resolved.Path)
			return nil
		},
	}
}
