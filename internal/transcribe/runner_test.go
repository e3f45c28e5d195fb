package transcribe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/whisperq/whisperq/internal/config"
	"github.com/whisperq/whisperq/internal/logging"
)

// writeScript drops an executable mock transcriber into dir.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

// successScript parses -of from its arguments, emits progress on stderr and
// writes its full argument list into the transcript file, one per line, so
// tests can assert on the exact CLI invocation.
const successScript = `of=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-of" ]; then of="$a"; fi
  prev="$a"
done
echo "whisper_print_progress_callback: progress =  25%" >&2
echo "progress = 100%" >&2
printf '%s\n' "$@" > "${of}.txt"
`

// newModelDir creates a model directory holding ggml-base.en.bin.
func newModelDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ggml-base.en.bin"), []byte("model"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return dir
}

func newTestRunner(t *testing.T, bin, modelDir string) *CommandRunner {
	t.Helper()
	return NewCommandRunner(&config.Transcriber{
		BinPath:      bin,
		ModelDir:     modelDir,
		DefaultModel: "base.en",
	}, logging.Discard())
}

func TestRun_Success(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	bin := writeScript(t, dir, "mock-whisper.sh", successScript)
	modelDir := newModelDir(t)
	outDir := t.TempDir()
	r := newTestRunner(t, bin, modelDir)

	var progress []int
	outPath, err := r.Run(context.Background(), Request{
		InputPath:  filepath.Join(dir, "input.wav"),
		OutputDir:  outDir,
		BaseName:   "job-1",
		Parameters: map[string]string{"language": "fr", "translate": "true"},
	}, func(pct int) { progress = append(progress, pct) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if want := filepath.Join(outDir, "job-1.txt"); outPath != want {
		t.Errorf("outPath = %q, want %q", outPath, want)
	}
	if len(progress) != 2 || progress[0] != 25 || progress[1] != 100 {
		t.Errorf("progress = %v, want [25 100]", progress)
	}

	raw, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	got := strings.Split(strings.TrimSpace(string(raw)), "\n")
	wantModel := filepath.Join(modelDir, "ggml-base.en.bin")
	assertArgPair(t, got, "-m", wantModel)
	assertArgPair(t, got, "-l", "fr")
	assertArg(t, got, "-tr")
	assertArg(t, got, "-otxt")
	assertArg(t, got, "--print-progress")
}

func assertArg(t *testing.T, args []string, want string) {
	t.Helper()
	for _, a := range args {
		if a == want {
			return
		}
	}
	t.Errorf("args %v missing %q", args, want)
}

func assertArgPair(t *testing.T, args []string, flag, value string) {
	t.Helper()
	for i, a := range args {
		if a == flag {
			if i+1 >= len(args) {
				t.Errorf("flag %s has no value, want %q", flag, value)
			} else if args[i+1] != value {
				t.Errorf("flag %s = %q, want %q", flag, args[i+1], value)
			}
			return
		}
	}
	t.Errorf("args %v missing flag %s", args, flag)
}

func TestRun_ProcessFailure(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	bin := writeScript(t, dir, "fail-whisper.sh", "echo 'error: failed to load model' >&2\nexit 3\n")
	r := newTestRunner(t, bin, newModelDir(t))

	_, err := r.Run(context.Background(), Request{
		InputPath: "in.wav",
		OutputDir: t.TempDir(),
		BaseName:  "job-1",
	}, nil)

	var perr *ProcessError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *ProcessError", err)
	}
	if perr.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", perr.ExitCode)
	}
	if !strings.Contains(perr.Stderr, "failed to load model") {
		t.Errorf("Stderr = %q, want model load message", perr.Stderr)
	}
}

func TestRun_MissingTranscript(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	bin := writeScript(t, dir, "silent-whisper.sh", "exit 0\n")
	r := newTestRunner(t, bin, newModelDir(t))

	_, err := r.Run(context.Background(), Request{
		InputPath: "in.wav",
		OutputDir: t.TempDir(),
		BaseName:  "job-1",
	}, nil)

	var perr *ProcessError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *ProcessError", err)
	}
	if !strings.Contains(perr.Message, "transcript is missing") {
		t.Errorf("Message = %q, want missing transcript", perr.Message)
	}
}

func TestRun_Timeout(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	bin := writeScript(t, dir, "slow-whisper.sh", "exec sleep 5\n")
	r := newTestRunner(t, bin, newModelDir(t))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, Request{InputPath: "in.wav", OutputDir: t.TempDir(), BaseName: "job-1"}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestRun_Cancelled(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	bin := writeScript(t, dir, "slow-whisper.sh", "exec sleep 5\n")
	r := newTestRunner(t, bin, newModelDir(t))

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(50*time.Millisecond, cancel)
	defer timer.Stop()

	_, err := r.Run(ctx, Request{InputPath: "in.wav", OutputDir: t.TempDir(), BaseName: "job-1"}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRun_UnknownModel(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	bin := writeScript(t, dir, "mock-whisper.sh", successScript)
	r := newTestRunner(t, bin, newModelDir(t))

	_, err := r.Run(context.Background(), Request{
		InputPath:  "in.wav",
		OutputDir:  t.TempDir(),
		BaseName:   "job-1",
		Parameters: map[string]string{"model": "nope"},
	}, nil)

	var perr *ProcessError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *ProcessError", err)
	}
	if !strings.Contains(perr.Message, "nope") {
		t.Errorf("Message = %q, want model name in message", perr.Message)
	}
}

func TestResolveModel(t *testing.T) {
	t.Parallel()
	modelDir := newModelDir(t)
	explicit := filepath.Join(modelDir, "ggml-base.en.bin")
	r := &CommandRunner{modelDir: modelDir, defaultModel: "base.en"}

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "named model", raw: "base.en", want: explicit},
		{name: "default when empty", raw: "", want: explicit},
		{name: "explicit path", raw: explicit, want: explicit},
		{name: "missing model", raw: "large-v3", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.resolveModel(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveModel: %v", err)
			}
			if got != tt.want {
				t.Errorf("resolveModel = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildArgs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		params map[string]string
		want   []string
	}{
		{
			name:   "minimal",
			params: nil,
			want:   []string{"-m", "m.bin", "-f", "in.wav", "-of", "out/base", "-otxt", "--print-progress"},
		},
		{
			name:   "auto language omitted",
			params: map[string]string{"language": "Auto"},
			want:   []string{"-m", "m.bin", "-f", "in.wav", "-of", "out/base", "-otxt", "--print-progress"},
		},
		{
			name:   "language and translate",
			params: map[string]string{"language": "de", "translate": "1"},
			want:   []string{"-m", "m.bin", "-f", "in.wav", "-of", "out/base", "-otxt", "--print-progress", "-l", "de", "-tr"},
		},
		{
			name:   "extra args split",
			params: map[string]string{"extra_args": "-t 4 --no-timestamps"},
			want:   []string{"-m", "m.bin", "-f", "in.wav", "-of", "out/base", "-otxt", "--print-progress", "-t", "4", "--no-timestamps"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildArgs("m.bin", "in.wav", "out/base", tt.params)
			if len(got) != len(tt.want) {
				t.Fatalf("args = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("args[%d] = %q, want %q (full: %v)", i, got[i], tt.want[i], got)
				}
			}
		})
	}
}

func TestParseProgress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line string
		pct  int
		ok   bool
	}{
		{line: "whisper_print_progress_callback: progress =   5%", pct: 5, ok: true},
		{line: "progress = 100%", pct: 100, ok: true},
		{line: "progress=42%", pct: 42, ok: true},
		{line: "[00:00:01.000 --> 00:00:02.000] hello", ok: false},
		{line: "", ok: false},
	}
	for _, tt := range tests {
		pct, ok := parseProgress(tt.line)
		if ok != tt.ok || pct != tt.pct {
			t.Errorf("parseProgress(%q) = (%d, %v), want (%d, %v)", tt.line, pct, ok, tt.pct, tt.ok)
		}
	}
}

func TestPreflight(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	bin := writeScript(t, dir, "whisper", "exit 0\n")
	modelDir := newModelDir(t)

	ok := &config.Transcriber{
		BinPath:      bin,
		ModelDir:     modelDir,
		DefaultModel: "base.en",
		WorkDir:      t.TempDir(),
	}
	if err := Preflight(ok); err != nil {
		t.Errorf("Preflight: %v", err)
	}

	bad := &config.Transcriber{
		BinPath:      filepath.Join(dir, "no-such-binary"),
		ModelDir:     filepath.Join(dir, "no-such-models"),
		DefaultModel: "base.en",
	}
	err := Preflight(bad)
	if err == nil {
		t.Fatal("Preflight: expected error for missing toolchain")
	}
	if !strings.Contains(err.Error(), "transcriber binary") {
		t.Errorf("error %q does not mention the binary", err)
	}
}
