package sdi12_test

import (
	"testing"
	"time"

	"github.com/arloliu/go-sdi12/clock"
	"github.com/arloliu/go-sdi12/sdi12"
	"github.com/arloliu/go-sdi12/transport/mockport"
)

// testBench bundles an engine with its scripted port, pins and fake clock.
type testBench struct {
	engine *sdi12.Engine
	port   *mockport.Port
	pins   *mockport.Pins
	clk    *clock.Fake
}

// newTestConfig creates an EngineConfig on a fake clock that advances 1ms per reading.
func newTestConfig(t *testing.T, clk *clock.Fake, opts ...sdi12.Option) *sdi12.EngineConfig {
	t.Helper()

	cfg, err := sdi12.NewEngineConfig(append([]sdi12.Option{sdi12.WithClock(clk)}, opts...)...)
	if err != nil {
		t.Fatalf("newTestConfig: %v", err)
	}

	return cfg
}

// newBench creates and starts an engine on a mock port answering with r.
func newBench(t *testing.T, r mockport.Responder, portOpts []mockport.Option, opts ...sdi12.Option) *testBench {
	t.Helper()

	b := &testBench{
		port: mockport.New(r, portOpts...),
		pins: mockport.NewPins(),
		clk:  clock.NewFake(time.Millisecond),
	}

	engine, err := sdi12.NewEngine(b.port, b.pins, newTestConfig(t, b.clk, opts...))
	if err != nil {
		t.Fatalf("newBench: %v", err)
	}
	if err := engine.Begin(); err != nil {
		t.Fatalf("newBench: begin: %v", err)
	}
	b.engine = engine

	return b
}

// replies is shorthand for a fixed reply table.
func replies(kv ...string) mockport.Responder {
	table := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		table[kv[i]] = kv[i+1]
	}

	return mockport.Replies(table)
}
