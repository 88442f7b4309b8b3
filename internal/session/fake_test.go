package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

var errFakeExit = errors.New("exit status 1")

// fakeProcess appends to a real transcript file so the tailer is exercised.
type fakeProcess struct {
	path string
	pid  int

	mu         sync.Mutex
	lines      []string
	onLine     func(p *fakeProcess, line string)
	terminated bool

	done chan struct{}
	once sync.Once
	err  error
}

func (p *fakeProcess) WriteLine(ctx context.Context, line []byte) error {
	select {
	case <-p.done:
		return errors.New("broken pipe")
	default:
	}
	p.mu.Lock()
	p.lines = append(p.lines, string(line))
	fn := p.onLine
	p.mu.Unlock()
	if fn != nil {
		go fn(p, string(line))
	}
	return nil
}

func (p *fakeProcess) TranscriptPath() string { return p.path }
func (p *fakeProcess) Done() <-chan struct{}  { return p.done }
func (p *fakeProcess) Pid() int               { return p.pid }

func (p *fakeProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *fakeProcess) Terminate(ctx context.Context) error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.exit(nil)
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *fakeProcess) reply(text string) {
	p.write(fmt.Sprintf(`{"role":"assistant","content":[{"type":"text","text":%q}]}`+"\n", text))
}

func (p *fakeProcess) write(data string) {
	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		panic(err)
	}
	defer f.Close()
	if _, err := f.WriteString(data); err != nil {
		panic(err)
	}
}

func (p *fakeProcess) Lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.lines...)
}

func (p *fakeProcess) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// fakeSpawner starts fakeProcesses writing under dir.
type fakeSpawner struct {
	dir    string
	onLine func(p *fakeProcess, line string)
	fail   error

	mu     sync.Mutex
	procs  []*fakeProcess
	nextID atomic.Int32
}

func newFakeSpawner(t *testing.T, onLine func(p *fakeProcess, line string)) *fakeSpawner {
	return &fakeSpawner{dir: t.TempDir(), onLine: onLine}
}

func (s *fakeSpawner) Spawn(ctx context.Context, code string) (Process, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	p := &fakeProcess{
		path:   filepath.Join(s.dir, code+".jsonl"),
		pid:    1000 + int(s.nextID.Add(1)),
		onLine: s.onLine,
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()
	return p, nil
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// echo replies "echo: <line>" to every input line.
func echo(p *fakeProcess, line string) {
	p.reply("echo: " + line)
}
