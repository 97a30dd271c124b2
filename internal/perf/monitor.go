// Package perf samples host health (load, SoC temperature, memory) for the
// status API and the periodic health log.
package perf

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Errors
var (
	ErrInvalidLoadAverage  = errors.New("invalid load average format")
	ErrTemperatureNotFound = errors.New("temperature sensors not found")
)

// Sample is one reading of host health.
type Sample struct {
	Load1       float64   `json:"load1"`
	TempC       float64   `json:"temp_c"`
	MemoryUsed  float64   `json:"memory_used_pct"`
	Stressed    bool      `json:"stressed"`
	CollectedAt time.Time `json:"collected_at"`
}

// Sampler reads /proc and /sys. Root prefixes every path so tests can point
// it at a fake tree.
type Sampler struct {
	Root string

	// StressLoad and StressTempC mark the host as stressed when exceeded.
	StressLoad  float64
	StressTempC float64

	mu   sync.Mutex
	last Sample
}

// NewSampler returns a sampler over the real filesystem.
func NewSampler() *Sampler {
	return &Sampler{Root: "/", StressLoad: 3.0, StressTempC: 75.0}
}

// Collect takes a fresh sample. Load is required; temperature and memory
// are best effort since not every host exposes them.
func (s *Sampler) Collect() (Sample, error) {
	var out Sample
	var err error

	if out.Load1, err = s.loadAverage(); err != nil {
		return out, err
	}
	out.TempC, _ = s.temperature()
	out.MemoryUsed, _ = s.memoryUsed()
	out.Stressed = out.Load1 > s.StressLoad || out.TempC > s.StressTempC
	out.CollectedAt = time.Now()

	s.mu.Lock()
	s.last = out
	s.mu.Unlock()
	return out, nil
}

// Last returns the most recent successful sample.
func (s *Sampler) Last() Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Sampler) path(p string) string {
	return filepath.Join(s.Root, p)
}

func (s *Sampler) loadAverage() (float64, error) {
	data, err := os.ReadFile(s.path("proc/loadavg"))
	if err != nil {
		return 0, errors.Wrap(err, "read loadavg")
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0, ErrInvalidLoadAverage
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, ErrInvalidLoadAverage
	}
	return v, nil
}

// temperature averages the readable thermal zones, in Celsius.
func (s *Sampler) temperature() (float64, error) {
	zones, _ := filepath.Glob(s.path("sys/class/thermal/thermal_zone*/temp"))

	var total float64
	var count int
	for _, zone := range zones {
		data, err := os.ReadFile(zone)
		if err != nil {
			continue
		}
		milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			continue
		}
		total += milli / 1000.0
		count++
	}
	if count == 0 {
		return 0, ErrTemperatureNotFound
	}
	return total / float64(count), nil
}

// memoryUsed returns the used memory percentage from /proc/meminfo.
func (s *Sampler) memoryUsed() (float64, error) {
	data, err := os.ReadFile(s.path("proc/meminfo"))
	if err != nil {
		return 0, err
	}

	var total, available int64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total, _ = strconv.ParseInt(fields[1], 10, 64)
		case "MemAvailable:":
			available, _ = strconv.ParseInt(fields[1], 10, 64)
		}
	}
	if total <= 0 {
		return 0, errors.New("meminfo: no MemTotal")
	}
	return 100.0 * float64(total-available) / float64(total), nil
}
