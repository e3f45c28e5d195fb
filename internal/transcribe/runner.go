// Package transcribe runs a whisper.cpp-compatible CLI and reports its
// progress. The process writes the transcript to a file selected with -of;
// stdout is noise and stderr carries the progress ticker, so only stderr is
// scanned.
package transcribe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/whisperq/whisperq/internal/config"
)

const (
	// stderrTailLines bounds how much process output survives into an error.
	stderrTailLines = 20
	stderrTailBytes = 4096
)

var progressRE = regexp.MustCompile(`progress\s*=\s*(\d{1,3})%`)

// Request describes one transcription run. InputPath must point at a local
// audio file the process can read; the transcript lands in OutputDir as
// BaseName.txt.
type Request struct {
	InputPath  string
	OutputDir  string
	BaseName   string
	Parameters map[string]string
}

// ProgressFunc receives percentages parsed from the process output. Values
// are clamped to [0,100]; callers must tolerate repeats.
type ProgressFunc func(pct int)

// Runner executes a transcription request and returns the transcript path.
type Runner interface {
	Run(ctx context.Context, req Request, onProgress ProgressFunc) (string, error)
}

// ProcessError reports a transcription process that started but did not
// produce a transcript: non-zero exit, missing output file, or an unusable
// model. Stderr holds a bounded tail of the process output.
type ProcessError struct {
	Message  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s (exit=%d)", e.Message, e.ExitCode)
	}
	return e.Message
}

func (e *ProcessError) Unwrap() error { return e.Err }

// CommandRunner supervises the external whisper binary.
type CommandRunner struct {
	bin          string
	modelDir     string
	defaultModel string
	log          *logrus.Logger
}

func NewCommandRunner(cfg *config.Transcriber, log *logrus.Logger) *CommandRunner {
	return &CommandRunner{
		bin:          cfg.BinPath,
		modelDir:     cfg.ModelDir,
		defaultModel: cfg.DefaultModel,
		log:          log,
	}
}

// Run invokes the binary and blocks until it exits or ctx ends. On success
// it returns the absolute path of the produced .txt transcript. Context
// errors are returned as-is so callers can tell timeout from cancellation.
func (r *CommandRunner) Run(ctx context.Context, req Request, onProgress ProgressFunc) (string, error) {
	modelPath, err := r.resolveModel(req.Parameters["model"])
	if err != nil {
		return "", &ProcessError{Message: err.Error(), Err: err}
	}

	outBase := filepath.Join(req.OutputDir, req.BaseName)
	outPath := outBase + ".txt"
	args := buildArgs(modelPath, req.InputPath, outBase, req.Parameters)

	cmd := exec.CommandContext(ctx, r.bin, args...)
	cmd.Stdout = io.Discard

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"bin":   r.bin,
		"model": modelPath,
		"input": req.InputPath,
	}).Debug("starting transcription process")

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", r.bin, err)
	}

	// Drain stderr to EOF before Wait, per os/exec pipe rules. Progress
	// lines are forwarded as they arrive; everything is kept in a bounded
	// tail for error reporting.
	var tail []string
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		tail = append(tail, line)
		if len(tail) > stderrTailLines {
			tail = tail[1:]
		}
		if pct, ok := parseProgress(line); ok && onProgress != nil {
			onProgress(pct)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return "", &ProcessError{
			Message:  "transcription process failed",
			ExitCode: exitCode,
			Stderr:   excerpt(tail),
			Err:      err,
		}
	}

	if _, err := os.Stat(outPath); err != nil {
		return "", &ProcessError{
			Message: "process exited cleanly but transcript is missing",
			Stderr:  excerpt(tail),
			Err:     err,
		}
	}
	return outPath, nil
}

// resolveModel maps a model name to a file under the model directory, or
// accepts an explicit path when the value looks like one. The file must
// exist; a typo here would otherwise surface as an opaque process exit.
func (r *CommandRunner) resolveModel(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		name = r.defaultModel
	}
	if name == "" {
		return "", errors.New("no model requested and no default model configured")
	}

	path := name
	if !strings.ContainsRune(name, os.PathSeparator) && filepath.Ext(name) == "" {
		path = filepath.Join(r.modelDir, "ggml-"+name+".bin")
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("model %q not usable at %s: %w", name, path, err)
	}
	return path, nil
}

func buildArgs(modelPath, inputPath, outBase string, params map[string]string) []string {
	args := []string{
		"-m", modelPath,
		"-f", inputPath,
		"-of", outBase,
		"-otxt",
		"--print-progress",
	}

	if lang := normalizeLanguage(params["language"]); lang != "" {
		args = append(args, "-l", lang)
	}
	if translate(params["translate"]) {
		args = append(args, "-tr")
	}
	if extra := strings.TrimSpace(params["extra_args"]); extra != "" {
		args = append(args, strings.Fields(extra)...)
	}
	return args
}

// normalizeLanguage maps "auto" and empty to no CLI override.
func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}

func translate(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && v
}

func parseProgress(line string) (int, bool) {
	m := progressRE.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	pct, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	if pct > 100 {
		pct = 100
	}
	return pct, true
}

func excerpt(tail []string) string {
	s := strings.Join(tail, "\n")
	if len(s) > stderrTailBytes {
		s = s[len(s)-stderrTailBytes:]
	}
	return s
}
