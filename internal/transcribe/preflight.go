package transcribe

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/whisperq/whisperq/internal/config"
)

// Preflight checks the transcriber toolchain before any job runs: the
// binary must be reachable, the model directory must exist, the default
// model must resolve and the work directory must be writable. All findings
// are joined so the log shows every problem at once, not just the first.
func Preflight(cfg *config.Transcriber) error {
	var errs []error

	if _, err := exec.LookPath(cfg.BinPath); err != nil {
		errs = append(errs, fmt.Errorf("transcriber binary %q: %w", cfg.BinPath, err))
	}

	if cfg.ModelDir != "" {
		info, err := os.Stat(cfg.ModelDir)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("model dir %s: %w", cfg.ModelDir, err))
		case !info.IsDir():
			errs = append(errs, fmt.Errorf("model dir %s is not a directory", cfg.ModelDir))
		}
	}

	if cfg.DefaultModel != "" {
		r := &CommandRunner{modelDir: cfg.ModelDir, defaultModel: cfg.DefaultModel}
		if _, err := r.resolveModel(""); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.WorkDir != "" {
		if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
			errs = append(errs, fmt.Errorf("work dir %s: %w", cfg.WorkDir, err))
		} else if f, err := os.CreateTemp(cfg.WorkDir, "preflight-*"); err != nil {
			errs = append(errs, fmt.Errorf("work dir %s not writable: %w", cfg.WorkDir, err))
		} else {
			name := f.Name()
			f.Close()
			os.Remove(name)
		}
	}

	return errors.Join(errs...)
}
