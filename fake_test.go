package main

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeOp 記錄假裝置上的一次操作
type fakeOp struct {
	Kind    string
	Address RegisterAddress
	Value   uint16
	At      time.Time
}

func (o fakeOp) String() string {
	switch o.Kind {
	case "write":
		return fmt.Sprintf("write %d=%d", o.Address, o.Value)
	case "read_input", "read_holding":
		return fmt.Sprintf("%s %d", o.Kind, o.Address)
	default:
		return o.Kind
	}
}

// fakeDevice 實作 Dialer，記錄所有交易
type fakeDevice struct {
	mu sync.Mutex

	ops     []fakeOp
	input   map[RegisterAddress]uint16
	holding map[RegisterAddress]uint16

	failRead  map[RegisterAddress]error
	failWrite map[RegisterAddress]error
	openErr   error
	opDelay   time.Duration
	block     chan struct{}
	onWrite   func(address RegisterAddress, value uint16)

	opens  int
	closes int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		input:     map[RegisterAddress]uint16{},
		holding:   map[RegisterAddress]uint16{},
		failRead:  map[RegisterAddress]error{},
		failWrite: map[RegisterAddress]error{},
	}
}

func (d *fakeDevice) Open(ctx context.Context, ttyPath string, slaveID uint8) (Session, error) {
	d.mu.Lock()
	d.opens++
	block := d.block
	openErr := d.openErr
	d.ops = append(d.ops, fakeOp{Kind: "open", At: time.Now()})
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if openErr != nil {
		return nil, openErr
	}
	return &fakeSession{dev: d}, nil
}

func (d *fakeDevice) record(op fakeOp) {
	d.mu.Lock()
	defer d.mu.Unlock()
	op.At = time.Now()
	if op.Kind == "close" {
		d.closes++
	}
	d.ops = append(d.ops, op)
}

func (d *fakeDevice) Ops() []fakeOp {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]fakeOp, len(d.ops))
	copy(out, d.ops)
	return out
}

// Trace 以字串表示的操作序列
func (d *fakeDevice) Trace() []string {
	ops := d.Ops()
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.String()
	}
	return out
}

// Writes 只取寫入操作
func (d *fakeDevice) Writes() []fakeOp {
	var out []fakeOp
	for _, op := range d.Ops() {
		if op.Kind == "write" {
			out = append(out, op)
		}
	}
	return out
}

func (d *fakeDevice) Counts() (opens, closes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens, d.closes
}

func (d *fakeDevice) Unblock() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.block != nil {
		close(d.block)
		d.block = nil
	}
}

type fakeSession struct {
	dev *fakeDevice
}

func (s *fakeSession) delay() {
	if s.dev.opDelay > 0 {
		time.Sleep(s.dev.opDelay)
	}
}

func (s *fakeSession) ReadInputRegister(address RegisterAddress) (uint16, error) {
	s.delay()
	s.dev.record(fakeOp{Kind: "read_input", Address: address})

	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if err := s.dev.failRead[address]; err != nil {
		return 0, err
	}
	return s.dev.input[address], nil
}

func (s *fakeSession) ReadHoldingRegister(address RegisterAddress) (uint16, error) {
	s.delay()
	s.dev.record(fakeOp{Kind: "read_holding", Address: address})

	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if err := s.dev.failRead[address]; err != nil {
		return 0, err
	}
	return s.dev.holding[address], nil
}

func (s *fakeSession) WriteSingleRegister(address RegisterAddress, value uint16) error {
	s.delay()
	if s.dev.onWrite != nil {
		s.dev.onWrite(address, value)
	}
	s.dev.record(fakeOp{Kind: "write", Address: address, Value: value})

	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if err := s.dev.failWrite[address]; err != nil {
		return err
	}
	s.dev.holding[address] = value
	return nil
}

func (s *fakeSession) Close() error {
	s.dev.record(fakeOp{Kind: "close"})
	return nil
}

func newTestPoller(dev Dialer, timeout, settle time.Duration) *Poller {
	return NewPoller(NewConnectionContext(dev, timeout, nil, nil), settle, nil, nil)
}
