// Package serialport wraps the JA-121T serial line in a line-oriented
// reader/writer with a reopen-on-failure policy. Grounded on
// original_source/ja2mqtt/components/serial.py's Serial class, using
// go.bug.st/serial for the port itself (the library three independent
// MQTT-to-serial-device bridges in the reference pack depend on for this
// exact concern).
package serialport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jablotron/ja2mqtt/internal/logging"
	"go.bug.st/serial"
)

// Config holds the JA-121T serial connection parameters, matching
// original_source/ja2mqtt/components/serial.py's Serial.__init__ keyword
// arguments.
type Config struct {
	Port        string
	BaudRate    int
	DataBits    int
	Parity      serial.Parity
	StopBits    serial.StopBits
	WaitOnReady time.Duration
	ReadTimeout time.Duration
}

// DefaultConfig returns the JA-121T's documented line settings with a
// 10 second reopen-on-failure wait, matching the original's default
// wait_on_ready.
func DefaultConfig(port string) Config {
	return Config{
		Port:        port,
		BaudRate:    57600,
		DataBits:    8,
		Parity:      serial.NoParity,
		StopBits:    serial.OneStopBit,
		WaitOnReady: 10 * time.Second,
		ReadTimeout: 200 * time.Millisecond,
	}
}

// Port is the line-oriented contract the bridge depends on: open/close
// lifecycle, line writes, and a callback-driven read loop that survives
// transient I/O errors by reopening the underlying device.
type Port struct {
	cfg Config
	log logging.Logger

	mu     sync.Mutex
	handle serial.Port
	ready  bool
}

// New constructs a Port. The underlying device is not opened until Open is
// called.
func New(cfg Config, log logging.Logger) *Port {
	return &Port{cfg: cfg, log: log.Named("serial")}
}

// IsReady reports whether the underlying device is currently open.
func (p *Port) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Open opens the underlying serial device, retrying every WaitOnReady
// interval until ctx is cancelled, mirroring wait_on_ready in the original.
func (p *Port) Open(ctx context.Context) error {
	mode := &serial.Mode{
		BaudRate: p.cfg.BaudRate,
		DataBits: p.cfg.DataBits,
		Parity:   p.cfg.Parity,
		StopBits: p.cfg.StopBits,
	}
	for {
		h, err := serial.Open(p.cfg.Port, mode)
		if err == nil {
			if rerr := h.SetReadTimeout(p.cfg.ReadTimeout); rerr != nil {
				p.log.Warn("cannot set read timeout", "error", rerr)
			}
			p.mu.Lock()
			p.handle = h
			p.ready = true
			p.mu.Unlock()
			p.log.Info("serial port opened", "port", p.cfg.Port)
			return nil
		}
		p.log.Warn("cannot open serial port, retrying", "port", p.cfg.Port, "error", err, "retry_after", p.cfg.WaitOnReady)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WaitOnReady):
		}
	}
}

// Close releases the underlying device, if open.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = false
	if p.handle == nil {
		return nil
	}
	err := p.handle.Close()
	p.handle = nil
	return err
}

// WriteLine writes line followed by a bare LF, the JA-121T's line
// terminator, atomically with respect to concurrent writers.
func (p *Port) WriteLine(line string) error {
	p.mu.Lock()
	h := p.handle
	p.mu.Unlock()
	if h == nil {
		return fmt.Errorf("serial: port not open")
	}
	_, err := h.Write([]byte(line + "\n"))
	if err != nil {
		return fmt.Errorf("serial: write failed: %w", err)
	}
	p.log.Debug("serial write", "line", line)
	return nil
}

// ReadLoop blocks, invoking onLine for every complete line read from the
// device, until ctx is cancelled. On a read error it closes and reopens the
// device (per the original's reconnect-on-failure policy) rather than
// returning, except when ctx has already been cancelled. Undecodable bytes
// are logged and skipped, never fatal, matching the original's behavior.
func (p *Port) ReadLoop(ctx context.Context, onLine func(line string)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		p.mu.Lock()
		h := p.handle
		p.mu.Unlock()
		if h == nil {
			if err := p.Open(ctx); err != nil {
				return err
			}
			continue
		}

		scanner := bufio.NewScanner(h)
		scanner.Split(scanLinesCR)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			line := scanner.Text()
			if line == "" {
				continue
			}
			ascii := true
			for i := 0; i < len(line); i++ {
				if line[i] > 0x7f {
					ascii = false
					break
				}
			}
			if !ascii {
				p.log.Warn("skipping undecodable serial line", "line", fmt.Sprintf("%q", line))
				continue
			}
			onLine(line)
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			p.log.Warn("serial read error, reopening", "error", err)
		}

		p.mu.Lock()
		p.ready = false
		if p.handle != nil {
			_ = p.handle.Close()
			p.handle = nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// scanLinesCR is a bufio.SplitFunc that splits on \r\n or \n, trimming any
// trailing \r, the JA-121T's line terminator convention.
func scanLinesCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			line := data[:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			return i + 1, line, nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
