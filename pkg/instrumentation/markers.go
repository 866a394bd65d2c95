// Package instrumentation reads the allocation markers the instrumented
// allocator prints on the target's stdout and feeds them to the heap registry.
package instrumentation

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/willibrandon/ctutor/pkg/heap"
)

// Markers describes the allocator's output lines. Field indexes count
// whitespace separated tokens from zero.
type Markers struct {
	AllocTag       string `yaml:"alloc_tag"`
	AllocAddrField int    `yaml:"alloc_addr_field"`
	AllocSizeField int    `yaml:"alloc_size_field"`
	FreeTag        string `yaml:"free_tag"`
	FreeAddrField  int    `yaml:"free_addr_field"`
}

// DefaultMarkers matches "Alloc = <addr> bytes: <size>" and "free <addr>"
func DefaultMarkers() Markers {
	return Markers{
		AllocTag:       "Alloc = ",
		AllocAddrField: 2,
		AllocSizeField: 4,
		FreeTag:        "free",
		FreeAddrField:  1,
	}
}

// Validate checks that tags are set and field indexes are usable
func (m Markers) Validate() error {
	if m.AllocTag == "" || m.FreeTag == "" {
		return fmt.Errorf("marker tags must not be empty")
	}
	if m.AllocAddrField < 0 || m.AllocSizeField < 0 || m.FreeAddrField < 0 {
		return fmt.Errorf("marker field indexes must not be negative")
	}
	return nil
}

// Scanner strips marker lines from stdout chunks and applies them to a registry
type Scanner struct {
	markers Markers
	reg     *heap.Registry
	// carry is an unterminated trailing line that may still become a marker
	carry string
	// midLine is set once part of the current line was already emitted
	midLine bool
	log     *slog.Logger
}

// NewScanner creates a scanner feeding reg
func NewScanner(m Markers, reg *heap.Registry, log *slog.Logger) *Scanner {
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{markers: m, reg: reg, log: log.With("component", "markers")}
}

// Feed consumes a chunk of target stdout and returns the visible part.
// An error from the registry stops the scan; the returned text covers the
// lines before the failing marker and the lines after it are held for the
// next Feed.
func (s *Scanner) Feed(chunk string) (string, error) {
	data := s.carry + chunk
	s.carry = ""

	var out strings.Builder
	for data != "" {
		nl := strings.IndexByte(data, '\n')
		if nl < 0 {
			if !s.midLine && s.couldBeMarker(data) {
				s.carry = data
			} else {
				out.WriteString(data)
				s.midLine = true
			}
			break
		}
		line := data[:nl+1]
		data = data[nl+1:]

		if s.midLine {
			// The line started in an earlier chunk as plain output
			s.midLine = false
			out.WriteString(line)
			continue
		}
		consumed, err := s.apply(strings.TrimRight(line, "\r\n"))
		if err != nil {
			s.carry = data
			return out.String(), err
		}
		if !consumed {
			out.WriteString(line)
		}
	}
	return out.String(), nil
}

// Pending returns the held back partial line
func (s *Scanner) Pending() string { return s.carry }

// couldBeMarker reports whether a partial line may still turn into a marker
func (s *Scanner) couldBeMarker(partial string) bool {
	for _, tag := range []string{s.markers.AllocTag, s.markers.FreeTag} {
		if strings.HasPrefix(partial, tag) || strings.HasPrefix(tag, partial) {
			return true
		}
	}
	return false
}

// apply handles one complete line, reporting whether it was a marker
func (s *Scanner) apply(line string) (bool, error) {
	switch {
	case strings.HasPrefix(line, s.markers.AllocTag):
		fields := strings.Fields(line)
		addr, ok1 := field(fields, s.markers.AllocAddrField)
		size, ok2 := field(fields, s.markers.AllocSizeField)
		if !ok1 || !ok2 {
			s.log.Debug("line looks like an alloc marker but does not parse", "line", line)
			return false, nil
		}
		s.reg.Alloc(addr, size)
		return true, nil
	case strings.HasPrefix(line, s.markers.FreeTag):
		fields := strings.Fields(line)
		addr, ok := field(fields, s.markers.FreeAddrField)
		if !ok {
			s.log.Debug("line looks like a free marker but does not parse", "line", line)
			return false, nil
		}
		if err := s.reg.Free(addr); err != nil {
			return true, fmt.Errorf("free marker %q: %w", line, err)
		}
		return true, nil
	}
	return false, nil
}

// field parses a decimal unsigned token
func field(fields []string, i int) (uint64, bool) {
	if i >= len(fields) {
		return 0, false
	}
	n, err := strconv.ParseUint(fields[i], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
