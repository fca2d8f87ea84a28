package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/tskjelde-bit/wellness-app-sub000/pkg/playback"
)

// ffplaySink plays scheduled buffers through an ffplay child process reading
// s16le PCM from stdin. The blocking pipe writes self-pace delivery, so the
// scheduler's start times are honored by ffplay's own output clock.
type ffplaySink struct {
	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func newFFPlaySink(path string, sampleRate, volume int) (*ffplaySink, error) {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-volume", fmt.Sprintf("%d", volume),
		"-nodisp",
		"-f", "s16le",
		"-ch_layout", "mono",
		"-ar", fmt.Sprintf("%d", sampleRate),
		"-i", "-",
	}
	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffplay stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffplay: %w", err)
	}
	return &ffplaySink{cmd: cmd, stdin: stdin}, nil
}

func (s *ffplaySink) Start(buf playback.Buffer, _ time.Time) error {
	raw := make([]byte, 2*len(buf.PCM))
	for i, sample := range buf.PCM {
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(sample))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.stdin.Write(raw); err != nil {
		return fmt.Errorf("write to ffplay: %w", err)
	}
	return nil
}

// Pause suspends the ffplay process so its output clock stops with it.
func (s *ffplaySink) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Signal(syscall.SIGSTOP)
}

func (s *ffplaySink) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Signal(syscall.SIGCONT)
}

func (s *ffplaySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	return nil
}

// nullSink discards audio for --no-speaker runs.
type nullSink struct{}

func (nullSink) Start(playback.Buffer, time.Time) error { return nil }
func (nullSink) Pause() error                           { return nil }
func (nullSink) Resume() error                          { return nil }
func (nullSink) Close() error                           { return nil }
