package simulator

import (
	"context"
	"strings"
	"time"

	"github.com/jablotron/ja2mqtt/internal/logging"
)

// Port adapts a Simulator to the same WriteLine/ReadLoop contract the bridge
// uses against a real *serialport.Port, so `ja2mqtt run --simulator` can
// drive the full translation loop without a panel attached. Grounded on
// original_source/ja2mqtt/components/simulator.py's Simulator.worker, which
// the original process feeds exactly like its real Serial component.
type Port struct {
	sim *Simulator
	log logging.Logger

	onLine chan string
}

// NewPort wraps sim for use as the bridge's serial transport.
func NewPort(sim *Simulator, log logging.Logger) *Port {
	return &Port{sim: sim, log: log.Named("simulator-port"), onLine: make(chan string, 16)}
}

// WriteLine feeds line to the simulator as an inbound command and schedules
// its response(s) to surface from ReadLoop after the simulator's configured
// response delay, mirroring the real panel's processing latency.
func (p *Port) WriteLine(line string) error {
	resp := p.sim.HandleLine(line)
	if resp == "" {
		return nil
	}
	go func() {
		time.Sleep(p.sim.ResponseDelay())
		for _, l := range strings.Split(resp, "\n") {
			p.onLine <- l
		}
	}()
	return nil
}

// ReadLoop delivers every line the simulator produces, either in response to
// a WriteLine call or from a periodic InjectedRule poll, until ctx is
// cancelled.
func (p *Port) ReadLoop(ctx context.Context, onLine func(line string)) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-p.onLine:
			onLine(line)
		case now := <-ticker.C:
			for _, line := range p.sim.PollInjected(now) {
				onLine(line)
			}
		}
	}
}
