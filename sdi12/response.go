package sdi12

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// MaxReadings is the capacity of the reading table filled by D commands.
const MaxReadings = 12

// MeasurementInfo is decoded from the reply to an M command.
type MeasurementInfo struct {
	// AvailableAfter is the literal value of the three digit ttt field.
	// SDI-12 defines it in seconds; see EngineConfig.MeasurementUnit.
	AvailableAfter int
	// SensorCount is the number of values the measurement will return.
	// It is reported even when outside 1-9 and the reply was rejected.
	SensorCount int
}

// Readings is the reading table filled by D commands.
//
// Each D reply writes its values starting at slot datasetIndex*count, so
// D0, D1, ... with equally sized replies pack the table sequentially.
type Readings struct {
	Values [MaxReadings]float64
	// Count is the number of values in the last D reply.
	Count int
	// Offset is the slot the last D reply was written to.
	Offset int

	reply []float64
}

// Latest returns the values stored by the last D reply.
func (r *Readings) Latest() []float64 {
	end := min(r.Offset+r.Count, MaxReadings)
	if r.Offset >= end {
		return nil
	}

	return r.Values[r.Offset:end]
}

// Reply returns every value of the last D reply, including values that did
// not fit the table.
func (r *Readings) Reply() []float64 {
	return r.reply
}

var embeddedMeasureAck = []byte("M!")

// parseMeasurement decodes <address><ttt><n>. An echoed "M!" before the
// address is skipped.
func parseMeasurement(resp []byte, addr Address) (MeasurementInfo, error) {
	var info MeasurementInfo

	var p []byte
	switch i := bytes.Index(resp, embeddedMeasureAck); {
	case i >= 0:
		p = resp[i+len(embeddedMeasureAck):]
	case addr.IsWildcard():
		p = resp
	default:
		j := bytes.IndexByte(resp, byte(addr))
		if j < 0 {
			return info, fmt.Errorf("%w: address %s missing from %q", ErrReply, addr, resp)
		}
		p = resp[j:]
	}

	if len(p) < 5 {
		return info, fmt.Errorf("%w: measurement reply %q too short", ErrReply, resp)
	}

	for _, c := range p[1:4] {
		if !isDigit(c) {
			return info, fmt.Errorf("%w: measurement time %q is not numeric", ErrReply, p[1:4])
		}
	}
	info.AvailableAfter = int(p[1]-'0')*100 + int(p[2]-'0')*10 + int(p[3]-'0')
	info.SensorCount = int(p[4]) - '0'

	if info.SensorCount < 1 || info.SensorCount > 9 {
		return info, fmt.Errorf("%w: sensor count %d out of range [1, 9]", ErrReply, info.SensorCount)
	}

	return info, nil
}

// parseValues extracts every token that starts with a sign character.
func parseValues(resp []byte) ([]float64, error) {
	var values []float64

	for i := 0; i < len(resp); {
		if resp[i] != '+' && resp[i] != '-' {
			i++
			continue
		}

		j := i + 1
		for j < len(resp) && (isDigit(resp[j]) || resp[j] == '.') {
			j++
		}

		v, err := strconv.ParseFloat(string(resp[i:j]), 64)
		if err != nil {
			return values, fmt.Errorf("%w: value %q: %w", ErrReply, resp[i:j], err)
		}
		values = append(values, v)
		i = j
	}

	return values, nil
}

// parseData decodes the values of a D reply into table.
func parseData(resp []byte, dataset int, table *Readings) error {
	values, err := parseValues(resp)
	if err != nil {
		return err
	}

	table.reply = values
	table.Count = len(values)
	table.Offset = dataset * len(values)

	dropped := 0
	for i, v := range values {
		slot := table.Offset + i
		if slot >= MaxReadings {
			dropped++
			continue
		}
		table.Values[slot] = v
	}

	if dropped > 0 {
		return fmt.Errorf("%w: %w: %d values past slot %d", ErrReply, ErrReadingTableOverflow, dropped, MaxReadings)
	}

	return nil
}

// parseAcknowledge handles the reply to "a!" and "?!". For the wildcard the
// first reply byte is the discovered address.
func parseAcknowledge(resp []byte, addr Address) (Address, error) {
	if !addr.IsWildcard() {
		return addr, nil
	}

	if len(resp) == 0 || !isDigit(resp[0]) {
		return addr, fmt.Errorf("%w: address query reply %q has no address", ErrReply, resp)
	}

	return Address(resp[0]), nil
}

// Identification holds the fields of an aI! reply:
// a ll cccccccc mmmmmm vvv [xxx...].
type Identification struct {
	Address       Address
	SDIVersion    string
	Vendor        string
	Model         string
	SensorVersion string
	Serial        string
}

const identMinLen = 1 + 2 + 8 + 6 + 3

// ParseIdentification splits an identification reply into its fields.
func ParseIdentification(s string) (Identification, error) {
	if len(s) < identMinLen {
		return Identification{}, fmt.Errorf("%w: identification %q shorter than %d", ErrReply, s, identMinLen)
	}

	addr, err := ParseAddress(s[0])
	if err != nil || addr.IsWildcard() {
		return Identification{}, fmt.Errorf("%w: identification %q has no address", ErrReply, s)
	}

	return Identification{
		Address:       addr,
		SDIVersion:    s[1:3],
		Vendor:        strings.TrimSpace(s[3:11]),
		Model:         strings.TrimSpace(s[11:17]),
		SensorVersion: s[17:20],
		Serial:        strings.TrimSpace(s[20:]),
	}, nil
}
