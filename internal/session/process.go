// ABOUTME: Narrow interface to the external interactive process behind a session
// ABOUTME: ExecSpawner runs a configured command with a piped stdin and a per-session JSONL transcript

package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Process is a live external process. The session writes one line per turn
// and reads replies from the transcript file the process appends to.
type Process interface {
	// WriteLine writes line followed by a newline to the process input.
	WriteLine(ctx context.Context, line []byte) error
	// TranscriptPath is the JSONL file the process appends its output records to.
	TranscriptPath() string
	// Done is closed when the process exits.
	Done() <-chan struct{}
	// Err reports the exit error after Done is closed.
	Err() error
	// Terminate asks the process to stop, killing it if ctx ends first.
	Terminate(ctx context.Context) error
	Pid() int
}

// Spawner starts the process for a session code.
type Spawner interface {
	Spawn(ctx context.Context, code string) (Process, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(ctx context.Context, code string) (Process, error)

func (f SpawnerFunc) Spawn(ctx context.Context, code string) (Process, error) { return f(ctx, code) }

// Placeholders substituted in ExecSpawner.Args.
const (
	PlaceholderSession    = "{session}"
	PlaceholderTranscript = "{transcript}"
)

// ExecSpawner runs Command with Args for each session.
type ExecSpawner struct {
	Command string
	// Args may contain {session} and {transcript}.
	Args []string
	// TranscriptDir holds <code>.jsonl transcripts. Created if missing.
	TranscriptDir string
	Dir           string
	Env           []string
	// StartGrace is how long a process must survive after start to count as spawned.
	StartGrace time.Duration
	Logger     *slog.Logger
}

// TranscriptPath returns where the transcript for code lives.
func (s *ExecSpawner) TranscriptPath(code string) string {
	return filepath.Join(s.TranscriptDir, strings.ToLower(code)+".jsonl")
}

// Spawn starts the command. The process is not bound to ctx; use Terminate to stop it.
func (s *ExecSpawner) Spawn(ctx context.Context, code string) (Process, error) {
	if s.Command == "" {
		return nil, errors.New("no session command configured")
	}
	bin, err := exec.LookPath(s.Command)
	if err != nil {
		return nil, fmt.Errorf("locating %s: %w", s.Command, err)
	}
	if err := os.MkdirAll(s.TranscriptDir, 0755); err != nil {
		return nil, fmt.Errorf("creating transcript directory: %w", err)
	}
	transcript := s.TranscriptPath(code)

	args := make([]string, len(s.Args))
	for i, a := range s.Args {
		a = strings.ReplaceAll(a, PlaceholderSession, code)
		args[i] = strings.ReplaceAll(a, PlaceholderTranscript, transcript)
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "process", "session", code)

	cmd := exec.Command(bin, args...)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, "AETHERBUS_SESSION="+code, "AETHERBUS_TRANSCRIPT="+transcript)

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	cmd.Stdin = stdinR
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("starting %s: %w", s.Command, err)
	}
	stdinR.Close()

	p := &execProcess{
		cmd:        cmd,
		stdin:      stdinW,
		transcript: transcript,
		done:       make(chan struct{}),
		logger:     logger,
	}
	var pipes sync.WaitGroup
	pipes.Add(2)
	go p.drain(&pipes, stdout, slog.LevelDebug)
	go p.drain(&pipes, stderr, slog.LevelWarn)
	go func() {
		pipes.Wait()
		p.err = cmd.Wait()
		close(p.done)
	}()

	logger.Info("session process started", "pid", cmd.Process.Pid, "command", bin, "args", args)

	if s.StartGrace > 0 {
		select {
		case <-p.done:
			return nil, fmt.Errorf("%s exited immediately: %v", s.Command, p.err)
		case <-time.After(s.StartGrace):
		case <-ctx.Done():
			_ = p.Terminate(context.Background())
			return nil, ctx.Err()
		}
	}
	return p, nil
}

type execProcess struct {
	cmd        *exec.Cmd
	transcript string
	logger     *slog.Logger

	writeMu sync.Mutex
	stdin   *os.File

	done chan struct{}
	err  error
}

func (p *execProcess) drain(wg *sync.WaitGroup, r io.Reader, level slog.Level) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		p.logger.Log(context.Background(), level, sc.Text())
	}
}

func (p *execProcess) WriteLine(ctx context.Context, line []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	select {
	case <-p.done:
		return ErrProcessCrash
	default:
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = p.stdin.SetWriteDeadline(deadline)
		defer p.stdin.SetWriteDeadline(time.Time{})
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(append(buf, line...), '\n')
	if _, err := p.stdin.Write(buf); err != nil {
		return fmt.Errorf("writing to process: %w", err)
	}
	return nil
}

func (p *execProcess) TranscriptPath() string { return p.transcript }
func (p *execProcess) Done() <-chan struct{}  { return p.done }
func (p *execProcess) Pid() int               { return p.cmd.Process.Pid }

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *execProcess) Terminate(ctx context.Context) error {
	p.writeMu.Lock()
	p.stdin.Close()
	p.writeMu.Unlock()

	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("failed to signal process", "error", err)
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing process: %w", err)
	}
	<-p.done
	return nil
}
