// Package simulator implements a JA-121T panel simulator: a line-oriented
// responder that accepts the same SET/UNSET/STATE/PRFSTATE command set the
// real panel does, so the bridge (and its tests) can run without hardware.
// Grounded on original_source/ja2mqtt/components/simulator.py's Simulator
// and Section classes.
package simulator

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jablotron/ja2mqtt/internal/logging"
	"github.com/jablotron/ja2mqtt/internal/prfstate"
	"github.com/robfig/cron/v3"
)

// SectionStatus is a simulated section's current armed state.
type SectionStatus string

const (
	StatusSet   SectionStatus = "SET"
	StatusUnset SectionStatus = "UNSET"
)

// Section is one simulated alarm section: a code, a name, the PIN required
// to arm/disarm it, and its current status.
type Section struct {
	Code   string
	Name   string
	Pin    string
	Status SectionStatus
}

// Peripheral is one simulated PRFSTATE bit position.
type Peripheral struct {
	Name string
	Pos  int
}

// InjectedRule is a periodically emitted line, the simulator analogue of the
// original's time-triggered `time_next`/`write` entries. A rule fires on a
// fixed interval (Every) or, when Cron is set instead, on a robfig/cron/v3
// standard (5-field) schedule. Injected rules are set directly on
// Config.Injected; nothing builds them from the definition file's YAML.
type InjectedRule struct {
	Every time.Duration
	Cron  string
	Write func() string

	next     time.Time
	schedule cron.Schedule
}

// nextFire computes the rule's next scheduled time from now, preferring its
// parsed cron schedule over the fixed interval when both are present.
func (r *InjectedRule) nextFire(now time.Time, log logging.Logger) time.Time {
	if r.Cron != "" {
		if r.schedule == nil {
			sched, err := cron.ParseStandard(r.Cron)
			if err != nil {
				log.Error("invalid cron expression for injected rule", "cron", r.Cron, "error", err)
			} else {
				r.schedule = sched
			}
		}
		if r.schedule != nil {
			return r.schedule.Next(now)
		}
	}
	return now.Add(r.Every)
}

// Config configures the simulator from topology data.
type Config struct {
	Sections      []Section
	Peripherals   []Peripheral
	PrfstateBits  int
	ResponseDelay time.Duration
	Injected      []InjectedRule
}

var (
	cmdPattern = regexp.MustCompile(`^(\S+)\s+(SET|UNSET|STATE)(?:\s+(\S+))?$`)
)

// Simulator holds mutable simulated panel state and answers command lines.
type Simulator struct {
	cfg Config
	log logging.Logger
	id  string

	mu       sync.Mutex
	sections map[string]*Section
	prf      prfstate.Map
	rnd      *rand.Rand
}

// New constructs a Simulator seeded with an all-OFF peripheral snapshot;
// sections start UNSET unless cfg.Sections gives one an explicit Status.
// Each instance gets a random client ID, used to tell simulator runs apart
// in logs when more than one is started against the same broker.
func New(cfg Config, log logging.Logger, seed int64) *Simulator {
	if cfg.PrfstateBits == 0 {
		cfg.PrfstateBits = 128
	}
	if cfg.ResponseDelay == 0 {
		cfg.ResponseDelay = 500 * time.Millisecond
	}
	sections := make(map[string]*Section, len(cfg.Sections))
	for i := range cfg.Sections {
		s := cfg.Sections[i]
		if s.Status == "" {
			s.Status = StatusUnset
		}
		sections[s.Code] = &s
	}
	id := uuid.NewString()
	return &Simulator{
		cfg:      cfg,
		log:      log.Named("simulator").Named(id),
		id:       id,
		sections: sections,
		prf:      prfstate.Zero(cfg.PrfstateBits),
		rnd:      rand.New(rand.NewSource(seed)),
	}
}

// ClientID returns this simulator instance's generated identifier.
func (s *Simulator) ClientID() string {
	return s.id
}

// ResponseDelay returns the configured delay the caller should wait before
// writing the response produced by HandleLine back to the serial consumer,
// modeling the real panel's processing latency.
func (s *Simulator) ResponseDelay() time.Duration {
	return s.cfg.ResponseDelay
}

// HandleLine processes a single inbound command line and returns the
// response line(s) the panel would emit, joined by "\n" if more than one.
func (s *Simulator) HandleLine(line string) string {
	line = strings.TrimSpace(line)
	if line == "PRFSTATE" {
		return s.handlePrfstate()
	}
	m := cmdPattern.FindStringSubmatch(line)
	if m == nil {
		return fmt.Sprintf("ERROR: 1 UNKNOWN_COMMAND %q", line)
	}
	pin, action, arg := m[1], m[2], m[3]
	return s.handleAction(pin, action, arg)
}

func (s *Simulator) handlePrfstate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return "PRFSTATE " + prfstate.Encode(s.prf, s.cfg.PrfstateBits)
}

func (s *Simulator) handleAction(pin, action, code string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	section, ok := s.sections[code]
	if !ok && action != "STATE" {
		return "ERROR: 2 INVALID_SECTION"
	}

	switch action {
	case "SET":
		if !s.checkPin(section, pin) {
			return "ERROR: 3 NO_ACCESS"
		}
		section.Status = StatusSet
		return fmt.Sprintf("OK\nSTATE %s SET", section.Code)
	case "UNSET":
		if !s.checkPin(section, pin) {
			return "ERROR: 3 NO_ACCESS"
		}
		section.Status = StatusUnset
		return fmt.Sprintf("OK\nSTATE %s UNSET", section.Code)
	case "STATE":
		if code == "" {
			var lines []string
			for _, sec := range s.sections {
				lines = append(lines, fmt.Sprintf("STATE %s %s", sec.Code, sec.Status))
			}
			return strings.Join(lines, "\n")
		}
		if !ok {
			return "ERROR: 2 INVALID_SECTION"
		}
		return fmt.Sprintf("STATE %s %s", section.Code, section.Status)
	default:
		return "ERROR: 4 INVALID_VALUE"
	}
}

// checkPin mirrors the original's _check_pin: the configured PIN must match
// exactly, an empty configured PIN accepts any value.
func (s *Simulator) checkPin(section *Section, pin string) bool {
	if section.Pin == "" {
		return true
	}
	return section.Pin == pin
}

// RandomizePeripherals flips each configured peripheral position to a
// random ON/OFF state, simulating sensor noise for PRFSTATE polling tests.
func (s *Simulator) RandomizePeripherals() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.cfg.Peripherals {
		if s.rnd.Intn(2) == 1 {
			s.prf[p.Pos] = prfstate.ON
		} else {
			s.prf[p.Pos] = prfstate.OFF
		}
	}
}

// SetPeripheral forces a single peripheral position's state, used by tests
// to script a deterministic PRFSTATE transition.
func (s *Simulator) SetPeripheral(pos int, state prfstate.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prf[pos] = state
}

// PollInjected advances every configured InjectedRule whose schedule has
// elapsed since now, returning the lines they produce in configuration
// order. The caller is expected to call this on a fixed tick (e.g. a plain
// ticker) and write each returned line to the serial consumer.
func (s *Simulator) PollInjected(now time.Time) []string {
	var lines []string
	for i := range s.cfg.Injected {
		r := &s.cfg.Injected[i]
		if r.next.IsZero() {
			r.next = r.nextFire(now, s.log)
			continue
		}
		if now.Before(r.next) {
			continue
		}
		lines = append(lines, r.Write())
		r.next = r.nextFire(now, s.log)
	}
	return lines
}

// SectionCode parses a topology section code into the string form used as
// the map key, tolerating both quoted and numeric YAML scalars.
func SectionCode(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
