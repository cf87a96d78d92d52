// Package sink defines the decoder-side consumer of assembled access units
// and the bounded queue that feeds it.
package sink

import (
	"errors"
	"fmt"

	"h264relay/internal/h264"
)

// Config is the decoder configuration derived from the first SPS.
type Config struct {
	Width    int
	Height   int
	SPS      []byte
	PPS      []byte
	Rotation int32 // degrees, as carried by the frame header
}

// Sink consumes access units. Implementations serialize their own state;
// Configure is always called before the first Submit.
type Sink interface {
	Configure(cfg Config) error
	Submit(au h264.AccessUnit) error
	// DrainOutput returns the number of units output since the last call.
	DrainOutput() int
	EndOfStream() error
}

// Multi fans every call out to a set of sinks.
type Multi []Sink

func (m Multi) Configure(cfg Config) error {
	var errs []error
	for _, s := range m {
		if err := s.Configure(cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Submit(au h264.AccessUnit) error {
	var errs []error
	for _, s := range m {
		if err := s.Submit(au); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DrainOutput returns the largest count reported by any member.
func (m Multi) DrainOutput() int {
	n := 0
	for _, s := range m {
		n = max(n, s.DrainOutput())
	}
	return n
}

func (m Multi) EndOfStream() error {
	var errs []error
	for _, s := range m {
		if err := s.EndOfStream(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Policy selects what Queue.Put does when the queue is full.
type Policy int

const (
	// PolicyBlock stalls the producer until there is room.
	PolicyBlock Policy = iota
	// PolicyDrop discards the unit and returns ErrDropped.
	PolicyDrop
)

func (p Policy) String() string {
	if p == PolicyDrop {
		return "drop"
	}
	return "block"
}

// ParsePolicy parses "block" or "drop".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "block", "":
		return PolicyBlock, nil
	case "drop":
		return PolicyDrop, nil
	}
	return 0, fmt.Errorf("unknown queue policy %q", s)
}
