// Package sdi12 implements a single-master driver for the SDI-12 sensor bus.
//
// SDI-12 is a half-duplex, single wire, 1200 baud protocol. Every request
// starts with a break on the data line, followed by an ASCII command of the
// form <address><function>[parameters]! framed as 7 data bits, even parity and
// one stop bit. The addressed sensor answers with <address><payload>CR LF.
//
// # Transaction Engine
//
// [Engine.Execute] runs one complete command/response cycle:
//
//  1. Validate the command and derive the bus address.
//  2. Fold parity into the command if the port cannot open 7E1 natively.
//  3. Assert a break, transmit byte by byte, settle, switch to receive.
//  4. Poll for the response until CR LF is seen or the deadline expires.
//  5. Strip and check parity if emulating 7E1.
//  6. Parse the verb specific payload (M, D, I, address query).
//
// The engine never retries. Every outcome is reported as a [Result] together
// with an error wrapping one of the package sentinels. Helpers such as
// [Engine.Measure] implement the caller side retry policy on top of it.
//
// # Timeouts
//
// All timed phases are busy-polled against an injectable [clock.Clock]:
//
//   - Break: minimum 12 ms low level before a command (default 15 ms).
//   - Mark: idle-high level before the first character (default 9 ms).
//   - Settle: short delay after the last transmitted character (default 2 ms).
//   - Response: total time allowed for a reply after transmission (default 900 ms).
//   - Start and inter-character: optional tighter tiers, disabled by default.
//
// # Concurrency
//
// An Engine owns its port, its buffers and the decoded side state. It is not
// goroutine-safe; exactly one transaction may be in flight per Engine. The
// optional idle callback runs on the caller's goroutine while the engine waits
// for a reply and must not use the engine or its port.
package sdi12
