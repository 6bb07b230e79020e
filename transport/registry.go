// Package transport connects the SDI-12 engine to serial hardware.
//
// Backends live in sub-packages and register an Opener under a name from
// their init function, so a program selects one by importing it:
//
//	import _ "github.com/arloliu/go-sdi12/transport/bugst"
//
//	link, err := transport.Open("bugst", "/dev/ttyUSB0")
//	engine, err := sdi12.NewEngine(link.Port, link.Pins, cfg)
package transport

import (
	"errors"
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-sdi12/sdi12"
)

var (
	ErrUnknownBackend   = errors.New("transport: unknown backend")
	ErrDuplicateBackend = errors.New("transport: backend already registered")
)

// Link is an opened serial device: the byte stream and, when the backend
// can drive them, the bus interface control lines.
type Link struct {
	Port  sdi12.Port
	Pins  sdi12.Pins
	Close func() error
}

// Opener opens the serial device at path.
type Opener func(path string) (*Link, error)

var backends = xsync.NewMapOf[string, Opener]()

// Register makes a backend available under name.
func Register(name string, open Opener) error {
	if open == nil {
		return fmt.Errorf("transport: nil opener for %s", name)
	}
	if _, loaded := backends.LoadOrStore(name, open); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateBackend, name)
	}

	return nil
}

// MustRegister is Register for init functions; it panics on error.
func MustRegister(name string, open Opener) {
	if err := Register(name, open); err != nil {
		panic(err)
	}
}

// Open opens path with the backend registered as name.
func Open(name, path string) (*Link, error) {
	open, ok := backends.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownBackend, name, Backends())
	}

	link, err := open(path)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s with %s: %w", path, name, err)
	}
	if link.Pins == nil {
		link.Pins = sdi12.NopPins{}
	}
	if link.Close == nil {
		link.Close = func() error { return nil }
	}

	return link, nil
}

// Backends returns the registered backend names in sorted order.
func Backends() []string {
	names := make([]string, 0, backends.Size())
	backends.Range(func(name string, _ Opener) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)

	return names
}
