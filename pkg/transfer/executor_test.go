package transfer

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/OpenTraceLab/OpenTraceSDM/pkg/protocol"
)

// fakePort is an in-memory Port that records accesses and can inject
// failures at a chosen address.
type fakePort struct {
	mem       map[uint64]uint64
	widths    map[Size]bool
	reads     int
	failAddr  uint64
	failWith  error
	readQueue map[uint64][]uint64 // successive values per address, then mem
}

func newFakePort() *fakePort {
	return &fakePort{
		mem:       make(map[uint64]uint64),
		readQueue: make(map[uint64][]uint64),
	}
}

func (p *fakePort) ReadWord(addr uint64, size Size, attrs Attributes) (uint64, error) {
	p.reads++
	if p.failWith != nil && addr == p.failAddr {
		return 0, p.failWith
	}
	if q := p.readQueue[addr]; len(q) > 0 {
		v := q[0]
		p.readQueue[addr] = q[1:]
		return v, nil
	}
	return p.mem[addr], nil
}

func (p *fakePort) WriteWord(addr uint64, size Size, attrs Attributes, v uint64) error {
	if p.failWith != nil && addr == p.failAddr {
		return p.failWith
	}
	p.mem[addr] = v
	return nil
}

func (p *fakePort) Supports(size Size) bool {
	if p.widths == nil {
		return true
	}
	return p.widths[size]
}

func TestMemoryRoundTrip(t *testing.T) {
	port := newFakePort()
	var ex Executor

	out := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}
	if err := ex.WriteMemory(port, 0x100, Size32, 2, 0, out); err != nil {
		t.Fatalf("WriteMemory failed: %v", err)
	}

	in := make([]byte, 8)
	if err := ex.ReadMemory(port, 0x100, Size32, 2, 0, in); err != nil {
		t.Fatalf("ReadMemory failed: %v", err)
	}
	if diff := cmp.Diff(out, in); diff != "" {
		t.Fatalf("readback mismatch (-want +got):\n%s", diff)
	}
	if port.mem[0x104] != 0x88776655 {
		t.Fatalf("second word = 0x%X, want 0x88776655", port.mem[0x104])
	}
}

func TestMemoryAlignment(t *testing.T) {
	port := newFakePort()
	var ex Executor

	tests := []struct {
		addr uint64
		size Size
		code protocol.Code
	}{
		{addr: 0x1000, size: Size32, code: protocol.Success},
		{addr: 0x1002, size: Size32, code: protocol.InvalidArgument},
		{addr: 0x1001, size: Size16, code: protocol.InvalidArgument},
		{addr: 0x1001, size: Size8, code: protocol.Success},
		{addr: 0x1004, size: Size64, code: protocol.InvalidArgument},
		{addr: 0x1008, size: Size64, code: protocol.Success},
	}
	for _, tt := range tests {
		buf := make([]byte, tt.size.Bytes())
		err := ex.ReadMemory(port, tt.addr, tt.size, 1, 0, buf)
		if protocol.CodeOf(err) != tt.code {
			t.Fatalf("addr 0x%X size %v: code = %v, want %v", tt.addr, tt.size, protocol.CodeOf(err), tt.code)
		}
	}
}

func TestUnsupportedTransferSize(t *testing.T) {
	port := newFakePort()
	port.widths = map[Size]bool{Size32: true}
	var ex Executor

	buf := make([]byte, 8)
	err := ex.ReadMemory(port, 0x0, Size64, 1, 0, buf)
	if protocol.CodeOf(err) != protocol.UnsupportedTransferSize {
		t.Fatalf("expected UnsupportedTransferSize, got %v", err)
	}
	if _, err := ex.RegisterAccess(port, Size16, nil); protocol.CodeOf(err) != protocol.UnsupportedTransferSize {
		t.Fatalf("expected UnsupportedTransferSize for batch, got %v", err)
	}
}

func TestRegisterBatchOrderAndValues(t *testing.T) {
	port := newFakePort()
	port.mem[0x08] = 0xCAFE
	var ex Executor

	ops := []RegisterOp{
		{Op: OpWrite, Addr: 0x00, Value: 1},
		{Op: OpRead, Addr: 0x08},
		{Op: OpWrite, Addr: 0x04, Value: 0xDEAD},
	}
	completed, err := ex.RegisterAccess(port, Size32, ops)
	if err != nil {
		t.Fatalf("RegisterAccess failed: %v", err)
	}
	if completed != 3 {
		t.Fatalf("completed = %d, want 3", completed)
	}
	if ops[1].Value != 0xCAFE {
		t.Fatalf("read slot = 0x%X, want 0xCAFE", ops[1].Value)
	}
	if port.mem[0x00] != 1 || port.mem[0x04] != 0xDEAD {
		t.Fatalf("writes not applied: %v", port.mem)
	}
}

func TestRegisterBatchAbortsAtFirstFailure(t *testing.T) {
	port := newFakePort()
	port.failAddr = 0x10
	port.failWith = protocol.TransferFault
	var ex Executor

	ops := []RegisterOp{
		{Op: OpWrite, Addr: 0x00, Value: 1},
		{Op: OpWrite, Addr: 0x04, Value: 2},
		{Op: OpRead, Addr: 0x10}, // entry 3 (1-indexed) fails
		{Op: OpWrite, Addr: 0x08, Value: 3},
	}
	completed, err := ex.RegisterAccess(port, Size32, ops)
	if protocol.CodeOf(err) != protocol.TransferFault {
		t.Fatalf("expected TransferFault, got %v", err)
	}
	if completed != 2 {
		t.Fatalf("completed = %d, want 2", completed)
	}
	if _, ok := port.mem[0x08]; ok {
		t.Fatal("entry after failure must not execute")
	}
}

func TestRegisterBatchEmpty(t *testing.T) {
	port := newFakePort()
	var ex Executor

	completed, err := ex.RegisterAccess(port, Size32, nil)
	if err != nil {
		t.Fatalf("empty batch should succeed: %v", err)
	}
	if completed != 0 {
		t.Fatalf("completed = %d, want 0", completed)
	}
}

func TestPollMatchesAfterLatency(t *testing.T) {
	port := newFakePort()
	port.readQueue[0x04] = []uint64{0, 0, 0, 1}
	var ex Executor

	ops := []RegisterOp{{Op: OpPoll, Addr: 0x04, Mask: 0x3, Value: 1, Retries: 10}}
	completed, err := ex.RegisterAccess(port, Size32, ops)
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if completed != 1 {
		t.Fatalf("completed = %d, want 1", completed)
	}
	if port.reads != 4 {
		t.Fatalf("poll took %d reads, want 4", port.reads)
	}
}

func TestPollBudgetBoundsReads(t *testing.T) {
	port := newFakePort() // value never matches
	var ex Executor

	ops := []RegisterOp{{Op: OpPoll, Addr: 0x04, Mask: 0xFF, Value: 0x5A, Retries: 7}}
	completed, err := ex.RegisterAccess(port, Size32, ops)
	if protocol.CodeOf(err) != protocol.TimeoutError {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if completed != 0 {
		t.Fatalf("completed = %d, want 0", completed)
	}
	if port.reads > 7 {
		t.Fatalf("poll performed %d reads, budget was 7", port.reads)
	}
}

func TestPollZeroBudgetUsesCeiling(t *testing.T) {
	port := newFakePort()
	ex := Executor{PollCeiling: 50}

	ops := []RegisterOp{{Op: OpPoll, Addr: 0x04, Mask: 0xFF, Value: 0x5A, Retries: 0}}
	_, err := ex.RegisterAccess(port, Size32, ops)
	if protocol.CodeOf(err) != protocol.TimeoutError {
		t.Fatalf("expected TimeoutError at ceiling, got %v", err)
	}
	if port.reads != 50 {
		t.Fatalf("poll performed %d reads, ceiling was 50", port.reads)
	}

	// A match within the ceiling succeeds even with a zero budget.
	port2 := newFakePort()
	port2.readQueue[0x04] = []uint64{0, 0x5A}
	if _, err := ex.RegisterAccess(port2, Size32, []RegisterOp{
		{Op: OpPoll, Addr: 0x04, Mask: 0xFF, Value: 0x5A},
	}); err != nil {
		t.Fatalf("unbudgeted poll should match: %v", err)
	}
}

func TestPollFiniteBudgetAboveCeiling(t *testing.T) {
	// The ceiling bounds only unbudgeted polls; an explicit caller budget
	// larger than the ceiling runs in full.
	port := newFakePort()
	port.readQueue[0x04] = append(make([]uint64, 19), 0x5A)
	ex := Executor{PollCeiling: 10}

	ops := []RegisterOp{{Op: OpPoll, Addr: 0x04, Mask: 0xFF, Value: 0x5A, Retries: 25}}
	completed, err := ex.RegisterAccess(port, Size32, ops)
	if err != nil {
		t.Fatalf("poll within explicit budget failed: %v", err)
	}
	if completed != 1 {
		t.Fatalf("completed = %d, want 1", completed)
	}
	if port.reads != 20 {
		t.Fatalf("poll took %d reads, want 20", port.reads)
	}
}

func TestRetryableClassification(t *testing.T) {
	if !protocol.Retryable(protocol.TimeoutError) || !protocol.Retryable(protocol.IOError) {
		t.Fatal("timeouts and I/O errors are retry candidates")
	}
	if protocol.Retryable(protocol.InvalidUserCredentials) || protocol.Retryable(protocol.UserCancelled) {
		t.Fatal("credential and cancellation failures are not retryable")
	}
	if protocol.Retryable(protocol.UnsupportedTransferSize) {
		t.Fatal("unsupported size is permanent for the configuration")
	}
}
