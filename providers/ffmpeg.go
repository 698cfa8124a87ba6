package providers

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

const stderrTailSize = 4096

// FFmpeg wraps an ffmpeg binary used by the software provider for decode
// and encode. The zero binary name resolves from PATH.
type FFmpeg struct {
	Binary string
}

// NewFFmpeg returns a wrapper around the given binary name.
func NewFFmpeg(binary string) *FFmpeg {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{Binary: binary}
}

// Probe verifies the binary runs at all.
func (f *FFmpeg) Probe(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, f.Binary, "-hide_banner", "-version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg probe: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// ListDecoders returns the decoder names this ffmpeg build ships.
func (f *FFmpeg) ListDecoders(ctx context.Context) (map[string]bool, error) {
	return f.listCoders(ctx, "-decoders")
}

// ListEncoders returns the encoder names this ffmpeg build ships.
func (f *FFmpeg) ListEncoders(ctx context.Context) (map[string]bool, error) {
	return f.listCoders(ctx, "-encoders")
}

// listCoders parses the fixed-width listing: a flags column, the coder
// name, then free-form description. Rows start after the dashed rule.
func (f *FFmpeg) listCoders(ctx context.Context, flag string) (map[string]bool, error) {
	cmd := exec.CommandContext(ctx, f.Binary, "-hide_banner", flag)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg %s: %w: %s", flag, err, strings.TrimSpace(string(output)))
	}
	coders := make(map[string]bool)
	body := false
	for _, line := range strings.Split(string(output), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "------") {
			body = true
			continue
		}
		if !body {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			coders[fields[1]] = true
		}
	}
	return coders, nil
}

// Process is a running conversion with byte pipes on both ends.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Wait blocks until exit; a non-zero exit wraps the stderr tail.
	Wait() error
	Kill()
	StderrTail() string
}

// SpawnFunc starts a conversion process. Decode and encode stages accept
// one so tests can substitute an in-process fake.
type SpawnFunc func(ctx context.Context, args []string) (Process, error)

// Spawn starts ffmpeg with the given arguments, pipes wired for
// stdin/stdout streaming and stderr captured for error reporting.
func (f *FFmpeg) Spawn(ctx context.Context, args []string) (Process, error) {
	cmd := exec.CommandContext(ctx, f.Binary, args...)
	tail := &tailBuffer{}
	cmd.Stderr = tail

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%s stdin: %w", f.Binary, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%s stdout: %w", f.Binary, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", f.Binary, err)
	}
	return &ffmpegProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: tail}, nil
}

type ffmpegProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *tailBuffer
}

func (p *ffmpegProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *ffmpegProcess) Stdout() io.Reader     { return p.stdout }

func (p *ffmpegProcess) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		if tail := strings.TrimSpace(p.stderr.String()); tail != "" {
			return fmt.Errorf("ffmpeg: %w: %s", err, tail)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

func (p *ffmpegProcess) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *ffmpegProcess) StderrTail() string {
	return p.stderr.String()
}

// tailBuffer keeps the last stderrTailSize bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > stderrTailSize {
		t.buf = t.buf[len(t.buf)-stderrTailSize:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
