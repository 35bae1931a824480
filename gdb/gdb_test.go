package gdb

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/wnxd/microhle/cpu"
	"github.com/wnxd/microhle/emulator/arm"
	"github.com/wnxd/microhle/linker"
	"github.com/wnxd/microhle/memory"
)

const codeBase memory.Addr = 0x10000

func newCore(t *testing.T) *cpu.Core {
	t.Helper()
	space, err := memory.New(memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { space.Close() })
	c, err := cpu.New(space, 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	// mov r0, #1; add r0, r0, #1; svc #5
	for i, insn := range []uint32{0xe3a00001, 0xe2800001, arm.EncodeSVC(5)} {
		if err := space.WriteU32(codeBase.Add(uint32(i)*4), insn); err != nil {
			t.Fatal(err)
		}
	}
	c.InvalidateCacheRange(codeBase, 12)
	c.Branch(codeBase)
	return c
}

type client struct {
	t *testing.T
	w io.Writer
	r *bufio.Reader
}

func newClient(t *testing.T, rw io.ReadWriter) *client {
	return &client{t: t, w: rw, r: bufio.NewReader(rw)}
}

func (c *client) write(pkt string) {
	c.t.Helper()
	if _, err := fmt.Fprintf(c.w, "$%s#%02x", pkt, checksum(pkt)); err != nil {
		c.t.Fatal(err)
	}
}

func (c *client) ack() byte {
	c.t.Helper()
	b, err := c.r.ReadByte()
	if err != nil {
		c.t.Fatal(err)
	}
	return b
}

func (c *client) call(pkt string) string {
	c.t.Helper()
	c.write(pkt)
	if b := c.ack(); b != '+' {
		c.t.Fatalf("%s: ack %q", pkt, b)
	}
	if _, err := c.r.ReadString('$'); err != nil {
		c.t.Fatal(err)
	}
	body, err := c.r.ReadString('#')
	if err != nil {
		c.t.Fatal(err)
	}
	body = body[:len(body)-1]
	var sum [2]byte
	if _, err := io.ReadFull(c.r, sum[:]); err != nil {
		c.t.Fatal(err)
	}
	if got := fmt.Sprintf("%02x", checksum(body)); got != string(sum[:]) {
		c.t.Fatalf("%s: reply checksum %s, want %s", pkt, string(sum[:]), got)
	}
	if _, err := io.WriteString(c.w, "+"); err != nil {
		c.t.Fatal(err)
	}
	return body
}

func TestSession(t *testing.T) {
	core := newCore(t)
	srv := NewServer(CoreTarget(core))
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	done := make(chan error, 1)
	go func() { done <- srv.Serve(b) }()
	c := newClient(t, a)

	steps := []struct {
		pkt, want string
	}{
		{"qSupported:multiprocess+", "PacketSize=2010"},
		{"qAttached", "1"},
		{"?", "S05"},
		{"Z0,10004,4", "OK"},
		{"m10004,4", "010080e2"},
		{"c", "S05"},
		{"p0", "01000000"},
		{"pf", "04000100"},
		{"z0,10004,4", "OK"},
		{"s", "S05"},
		{"p0", "02000000"},
		{"P1=2a000000", "OK"},
		{"p1", "2a000000"},
		{"M20000,4:deadbeef", "OK"},
		{"m20000,4", "deadbeef"},
		{"m0,4", "E0e"},
		{"Z1,10000,4", ""},
		{"vMustReplyEmpty", ""},
		{"c", "S05"},
		{"?", "S05"},
	}
	for _, step := range steps {
		if got := c.call(step.pkt); got != step.want {
			t.Errorf("%s = %q, want %q", step.pkt, got, step.want)
		}
	}
	if core.PC() != codeBase+12 {
		t.Errorf("pc = %s after the system call", core.PC())
	}

	regs := c.call("g")
	if len(regs) != (16*4+fpaRegs*fpaRegSize+8)*2 {
		t.Errorf("g returned %d hex digits", len(regs))
	}
	if regs[:16] != "020000002a000000" {
		t.Errorf("g starts with %s", regs[:16])
	}

	c.write("k")
	if b := c.ack(); b != '+' {
		t.Fatalf("kill ack %q", b)
	}
	if err := <-done; !errors.Is(err, ErrKilled) {
		t.Errorf("Serve = %v, want ErrKilled", err)
	}
}

func TestBadChecksumIsRejected(t *testing.T) {
	srv := NewServer(CoreTarget(newCore(t)))
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	go srv.Serve(b)
	c := newClient(t, a)

	if _, err := io.WriteString(a, "$g#00"); err != nil {
		t.Fatal(err)
	}
	if got := c.ack(); got != '-' {
		t.Fatalf("ack = %q, want -", got)
	}
	if got := c.call("qAttached"); got != "1" {
		t.Errorf("qAttached = %q after a rejected packet", got)
	}
}

func TestStopReplies(t *testing.T) {
	srv := NewServer(CoreTarget(newCore(t)))
	core := srv.target.Core()
	core.Regs()[0] = 0x2a
	tests := []struct {
		halt cpu.HaltReason
		err  error
		want string
	}{
		{cpu.HaltReason{Kind: cpu.HALT_BREAKPOINT}, nil, "S05"},
		{cpu.HaltReason{Kind: cpu.HALT_STEPPED}, nil, "S05"},
		{cpu.HaltReason{Kind: cpu.HALT_MEMORY_FAULT}, errors.New("fault"), "S0b"},
		{cpu.HaltReason{Kind: cpu.HALT_UNDEFINED_INSTRUCTION}, errors.New("udf"), "S04"},
		{cpu.HaltReason{Kind: cpu.HALT_SYSTEM_CALL, Code: 7}, errors.New("unresolved"), "S06"},
		{cpu.HaltReason{Kind: cpu.HALT_SYSTEM_CALL, Code: linker.SVC_THREAD_EXIT}, nil, "W2a"},
	}
	for _, tt := range tests {
		if got := srv.stopReply(core, tt.halt, tt.err); got != tt.want {
			t.Errorf("stopReply(%s, %v) = %s, want %s", tt.halt, tt.err, got, tt.want)
		}
	}
}

func TestListen(t *testing.T) {
	srv := NewServer(CoreTarget(newCore(t)))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- ServeListener(context.Background(), ln, srv) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	c := newClient(t, conn)
	if got := c.call("qAttached"); got != "1" {
		t.Errorf("qAttached = %q", got)
	}
	c.write("k")
	c.ack()
	if err := <-done; err != nil {
		t.Errorf("ServeListener = %v", err)
	}
}

func TestListenStopsOnCancel(t *testing.T) {
	srv := NewServer(CoreTarget(newCore(t)))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeListener(ctx, ln, srv) }()
	cancel()
	if err := <-done; err != nil {
		t.Errorf("ServeListener = %v", err)
	}
}
