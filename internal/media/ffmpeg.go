package media

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/MimeLyc/sizetrimmer/pkg/log"
)

const (
	stderrTailSize = 4096
	defaultGrace   = 10 * time.Second
)

var (
	// ErrEngineMissing means the ffmpeg or ffprobe binary could not be found.
	ErrEngineMissing = errors.New("codec engine not found")
	// ErrIncomplete is a clean exit that never reported progress=end, e.g. a
	// wrapper script that swallowed a crash.
	ErrIncomplete = errors.New("encoder exited before finishing its output")
)

// ExitError is a non-zero exit of the engine.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	tail := strings.TrimSpace(e.Stderr)
	if i := strings.LastIndexByte(tail, '\n'); i >= 0 {
		tail = tail[i+1:]
	}
	if tail == "" {
		return fmt.Sprintf("encoder exited with status %d", e.Code)
	}
	return fmt.Sprintf("encoder exited with status %d: %s", e.Code, tail)
}

func lookPath(cmd string) (string, error) {
	cmdPath, err := exec.LookPath(cmd)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrEngineMissing, cmd, err)
	}
	return cmdPath, nil
}

type Prober struct {
	ffprobeCmd string
}

func NewProber(ffprobeCmd string) *Prober {
	if ffprobeCmd == "" {
		ffprobeCmd = "ffprobe"
	}
	return &Prober{ffprobeCmd: ffprobeCmd}
}

func (p *Prober) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	cmdPath, err := lookPath(p.ffprobeCmd)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, cmdPath, probeArgs(path)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("ffprobe %s: %w", path, &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String()})
		}
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	var result ProbeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("parse ffprobe output for %s: %w", path, err)
	}
	return &result, nil
}

func probeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	}
}

// Encoder runs ffmpeg. A cancelled context interrupts the process and kills
// it once the grace period has passed.
type Encoder struct {
	ffmpegCmd string
	grace     time.Duration
}

func NewEncoder(ffmpegCmd string, grace time.Duration) *Encoder {
	if ffmpegCmd == "" {
		ffmpegCmd = "ffmpeg"
	}
	if grace <= 0 {
		grace = defaultGrace
	}
	return &Encoder{ffmpegCmd: ffmpegCmd, grace: grace}
}

// Available reports whether the ffmpeg binary can be resolved.
func (e *Encoder) Available() error {
	_, err := lookPath(e.ffmpegCmd)
	return err
}

// Run executes ffmpeg with args and reports progress against duration.
// On cancellation it returns the context's error.
func (e *Encoder) Run(ctx context.Context, args []string, duration time.Duration, onProgress func(pct float64)) error {
	cmdPath, err := lookPath(e.ffmpegCmd)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, cmdPath, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = e.grace

	stderr := &tailBuffer{limit: stderrTailSize}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	tracker := NewProgressTracker(duration)
	consumeProgress(stdout, tracker, onProgress)

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return fmt.Errorf("ffmpeg: %w", waitErr)
	}
	if !tracker.Done() {
		return fmt.Errorf("%w (stopped at %.1f%%)", ErrIncomplete, tracker.Percent())
	}
	return nil
}

func consumeProgress(r io.Reader, tracker *ProgressTracker, onProgress func(pct float64)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		pct, changed := tracker.Feed(scanner.Text())
		if changed && onProgress != nil {
			onProgress(pct)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debug("Progress stream ended: %v", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
