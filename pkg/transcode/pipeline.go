package transcode

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ErrUnavailable is returned by Start when the encoder cannot be run.
var ErrUnavailable = errors.New("encoder unavailable")

const readChunkSize = 16 * 1024

// Pipeline owns one encoder process. Audio written with Write is fed to the
// encoder's stdin in order; encoder output is delivered in order on Output.
type Pipeline struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	input  chan []byte
	output chan []byte

	inputMu     sync.Mutex
	inputClosed bool

	quit     chan struct{}
	quitOnce sync.Once
	stopOnce sync.Once

	done chan struct{}
	err  error

	dropped atomic.Int64
	fed     atomic.Int64
}

// Start launches the encoder for audio of inputContentType. The process runs
// until its input is closed and it exits, or until Stop.
func Start(cfg Config, inputContentType string, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(cfg.Command, cfg.BuildArgs(inputContentType)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	queue := cfg.InputQueueFrames
	if queue <= 0 {
		queue = defaultInputQueueFrames
	}

	p := &Pipeline{
		cmd:    cmd,
		stdin:  stdin,
		logger: logger.With("pid", cmd.Process.Pid),
		input:  make(chan []byte, queue),
		output: make(chan []byte, 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	var aligner *frameAligner
	if cfg.AlignFrames && BaseType(cfg.OutputContentType) == "audio/mpeg" {
		aligner = &frameAligner{}
	}

	var g errgroup.Group
	g.Go(p.feed)
	g.Go(func() error { return p.drain(stdout, aligner) })
	g.Go(func() error { return p.diagnostics(stderr) })

	go func() {
		groupErr := g.Wait()
		waitErr := cmd.Wait()
		p.err = errors.Join(groupErr, waitErr)
		close(p.done)
	}()

	p.logger.Info("encoder started", "command", cfg.Command, "input", inputContentType, "output", cfg.OutputContentType)

	return p, nil
}

// Write queues audio for the encoder without blocking. It returns false when
// the audio was dropped because the queue is full or input was closed.
func (p *Pipeline) Write(b []byte) bool {
	p.inputMu.Lock()
	defer p.inputMu.Unlock()

	if p.inputClosed {
		p.dropped.Add(int64(len(b)))
		return false
	}

	select {
	case p.input <- append([]byte(nil), b...):
		return true
	default:
		p.dropped.Add(int64(len(b)))
		return false
	}
}

// Output delivers encoder output. It is closed when the encoder's stdout ends.
func (p *Pipeline) Output() <-chan []byte {
	return p.output
}

// Done is closed after the encoder exited and all pipes were released.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Err returns the encoder exit status once Done is closed.
func (p *Pipeline) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Dropped returns the number of inbound bytes that never reached the encoder.
func (p *Pipeline) Dropped() int64 {
	return p.dropped.Load()
}

// Fed returns the number of bytes written to the encoder's stdin.
func (p *Pipeline) Fed() int64 {
	return p.fed.Load()
}

// CloseInput closes the encoder's stdin once the queued audio is written so
// the encoder can flush and exit on its own.
func (p *Pipeline) CloseInput() {
	p.inputMu.Lock()
	defer p.inputMu.Unlock()

	if !p.inputClosed {
		p.inputClosed = true
		close(p.input)
	}
}

// Stop closes input, kills the encoder and waits for it to be reaped. It is
// safe to call more than once.
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() {
		p.CloseInput()
		p.quitOnce.Do(func() { close(p.quit) })

		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Debug("failed to kill encoder", "err", err)
		}
	})

	<-p.done

	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) {
		// killed or non-zero exit after we asked it to stop
		return nil
	}
	return p.err
}

func (p *Pipeline) feed() error {
	defer p.stdin.Close()

	for {
		select {
		case <-p.quit:
			return nil
		case b, ok := <-p.input:
			if !ok {
				return nil
			}
			n, err := p.stdin.Write(b)
			p.fed.Add(int64(n))
			if err != nil {
				// encoder went away; the exit status tells why
				p.logger.Debug("encoder stdin closed", "err", err)
				p.quitOnce.Do(func() { close(p.quit) })
				return nil
			}
		}
	}
}

func (p *Pipeline) drain(stdout io.Reader, aligner *frameAligner) error {
	defer close(p.output)
	defer p.quitOnce.Do(func() { close(p.quit) })

	buf := make([]byte, readChunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if aligner != nil {
				chunk = aligner.push(chunk)
			}
			if len(chunk) > 0 {
				select {
				case p.output <- chunk:
				case <-p.quit:
					return nil
				}
			}
		}
		if err != nil {
			if aligner != nil {
				if tail := aligner.flush(); len(tail) > 0 {
					select {
					case p.output <- tail:
					case <-p.quit:
					}
				}
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read encoder output: %w", err)
		}
	}
}

func (p *Pipeline) diagnostics(stderr io.Reader) error {
	s := bufio.NewScanner(stderr)
	for s.Scan() {
		p.logger.Debug("encoder", "line", s.Text())
	}
	return nil
}
