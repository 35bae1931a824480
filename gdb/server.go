// Package gdb serves the GDB remote serial protocol for one guest CPU, so
// a stock arm gdb can inspect registers and memory, set breakpoints, step
// and continue.
package gdb

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/wnxd/microhle/cpu"
	"github.com/wnxd/microhle/emulator/arm"
	"github.com/wnxd/microhle/linker"
	"github.com/wnxd/microhle/memory"
	"go.uber.org/zap"
)

// ErrKilled is returned by Serve after a kill request.
var ErrKilled = errors.New("debugger killed the target")

// Register numbers of the classic arm layout: r0-r15, eight 12 byte FPA
// registers, fps, cpsr.
const (
	regCPSR    = 25
	regFPS     = 24
	fpaRegs    = 8
	fpaRegSize = 12
	maxRead    = 0x1000
)

const (
	sigILL  = 4
	sigTRAP = 5
	sigABRT = 6
	sigSEGV = 11
)

var le = binary.LittleEndian

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

type Server struct {
	target Target
	logger *zap.Logger
	stop   string
}

func NewServer(target Target, opts ...Option) *Server {
	s := &Server{target: target, stop: fmt.Sprintf("S%02x", sigTRAP)}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Serve answers packets on rw until the client detaches or hangs up, or
// returns ErrKilled on a kill request.
func (s *Server) Serve(rw io.ReadWriter) error {
	c := newConn(rw)
	for {
		pkt, err := c.readPacket()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		s.logger.Debug("gdb packet", zap.String("packet", pkt))
		switch {
		case pkt == "k":
			return ErrKilled
		case pkt == "D":
			return c.send("OK")
		case pkt == string(rune(interrupt)):
			// the target never runs between packets
			if err := c.send(s.stop); err != nil {
				return err
			}
			continue
		}
		if err := c.send(s.handle(pkt)); err != nil {
			return err
		}
	}
}

func errReply(err error) string {
	if errors.Is(err, memory.ErrFault) {
		return "E0e"
	}
	return "E01"
}

func (s *Server) handle(pkt string) string {
	if pkt == "" {
		return ""
	}
	core := s.target.Core()
	cmd, args := pkt[0], pkt[1:]
	switch cmd {
	case '?':
		return s.stop
	case 'g':
		return s.readRegisters(core)
	case 'G':
		return s.writeRegisters(core, args)
	case 'p':
		n, err := strconv.ParseUint(args, 16, 32)
		if err != nil {
			return "E01"
		}
		return s.readRegister(core, int(n))
	case 'P':
		return s.writeRegister(core, args)
	case 'm':
		return s.readMemory(core, args)
	case 'M':
		return s.writeMemory(core, args)
	case 'c', 's':
		if args != "" {
			addr, err := strconv.ParseUint(args, 16, 32)
			if err != nil {
				return "E01"
			}
			core.Branch(memory.Addr(addr))
		}
		var halt cpu.HaltReason
		var err error
		if cmd == 'c' {
			halt, err = s.target.Continue()
		} else {
			halt, err = s.target.Step()
		}
		s.stop = s.stopReply(core, halt, err)
		return s.stop
	case 'Z', 'z':
		return s.breakpoint(core, cmd == 'Z', args)
	case 'q':
		switch {
		case args == "Attached":
			return "1"
		case strings.HasPrefix(args, "Supported"):
			return fmt.Sprintf("PacketSize=%x", maxRead*2+16)
		case args == "C":
			return "QC1"
		}
	case 'H':
		return "OK"
	}
	return ""
}

// stopReply maps a halt to the signal gdb shows. A finished thread reports
// its exit status.
func (s *Server) stopReply(core *cpu.Core, halt cpu.HaltReason, err error) string {
	if err == nil && halt.IsSystemCall(linker.SVC_THREAD_EXIT) {
		return fmt.Sprintf("W%02x", core.Regs()[arm.ARM_REG_R0]&0xff)
	}
	sig := sigTRAP
	switch {
	case halt.Kind == cpu.HALT_MEMORY_FAULT:
		sig = sigSEGV
	case halt.Kind == cpu.HALT_UNDEFINED_INSTRUCTION:
		sig = sigILL
	case err != nil:
		sig = sigABRT
	}
	if err != nil {
		s.logger.Info("target stopped with error", zap.Stringer("halt", halt), zap.Error(err))
	}
	return fmt.Sprintf("S%02x", sig)
}

func (s *Server) registerBytes(core *cpu.Core) []byte {
	buf := make([]byte, 0, 16*4+fpaRegs*fpaRegSize+8)
	for _, r := range core.Regs() {
		buf = le.AppendUint32(buf, r)
	}
	buf = append(buf, make([]byte, fpaRegs*fpaRegSize)...)
	buf = le.AppendUint32(buf, core.FPSCR())
	return le.AppendUint32(buf, core.CPSR())
}

func (s *Server) readRegisters(core *cpu.Core) string {
	return hex.EncodeToString(s.registerBytes(core))
}

func (s *Server) writeRegisters(core *cpu.Core, args string) string {
	buf, err := hex.DecodeString(args)
	if err != nil || len(buf) < 16*4 {
		return "E01"
	}
	regs := core.Regs()
	for i := range regs {
		regs[i] = le.Uint32(buf[i*4:])
	}
	if off := 16*4 + fpaRegs*fpaRegSize; len(buf) >= off+8 {
		core.SetFPSCR(le.Uint32(buf[off:]))
		core.SetCPSR(le.Uint32(buf[off+4:]))
	}
	return "OK"
}

func (s *Server) readRegister(core *cpu.Core, n int) string {
	var buf []byte
	switch {
	case n < 16:
		buf = le.AppendUint32(nil, core.Regs()[n])
	case n < regFPS:
		buf = make([]byte, fpaRegSize)
	case n == regFPS:
		buf = le.AppendUint32(nil, core.FPSCR())
	case n == regCPSR:
		buf = le.AppendUint32(nil, core.CPSR())
	default:
		return "E01"
	}
	return hex.EncodeToString(buf)
}

func (s *Server) writeRegister(core *cpu.Core, args string) string {
	num, val, ok := strings.Cut(args, "=")
	if !ok {
		return "E01"
	}
	n, err := strconv.ParseUint(num, 16, 32)
	if err != nil {
		return "E01"
	}
	buf, err := hex.DecodeString(val)
	if err != nil {
		return "E01"
	}
	switch {
	case n >= 16 && n < regFPS:
		return "OK"
	case len(buf) < 4:
		return "E01"
	case n < 16:
		core.Regs()[n] = le.Uint32(buf)
	case n == regFPS:
		core.SetFPSCR(le.Uint32(buf))
	case n == regCPSR:
		core.SetCPSR(le.Uint32(buf))
	default:
		return "E01"
	}
	return "OK"
}

func parseRange(args string) (memory.Addr, uint32, error) {
	a, l, ok := strings.Cut(args, ",")
	if !ok {
		return 0, 0, errors.Newf("malformed range %q", args)
	}
	addr, err := strconv.ParseUint(a, 16, 32)
	if err != nil {
		return 0, 0, err
	}
	size, err := strconv.ParseUint(l, 16, 32)
	if err != nil {
		return 0, 0, err
	}
	return memory.Addr(addr), uint32(size), nil
}

// readMemory shows the original instructions under software breakpoints.
func (s *Server) readMemory(core *cpu.Core, args string) string {
	addr, size, err := parseRange(args)
	if err != nil {
		return "E01"
	}
	size = min(size, maxRead)
	buf := make([]byte, size)
	if err := core.Memory().Read(addr, buf); err != nil {
		return errReply(err)
	}
	for _, bp := range core.Breakpoints() {
		orig, _ := core.OriginalWord(bp)
		var word [4]byte
		le.PutUint32(word[:], orig)
		for i := range word {
			if a := bp.Add(uint32(i)); a >= addr && a < addr.Add(size) {
				buf[a-addr] = word[i]
			}
		}
	}
	return hex.EncodeToString(buf)
}

func (s *Server) writeMemory(core *cpu.Core, args string) string {
	rng, data, ok := strings.Cut(args, ":")
	if !ok {
		return "E01"
	}
	addr, size, err := parseRange(rng)
	if err != nil {
		return "E01"
	}
	buf, err := hex.DecodeString(data)
	if err != nil || uint32(len(buf)) != size {
		return "E01"
	}
	if err := core.Memory().Write(addr, buf); err != nil {
		return errReply(err)
	}
	core.InvalidateCacheRange(addr, size)
	return "OK"
}

// breakpoint handles Z0/z0. Other kinds are unsupported.
func (s *Server) breakpoint(core *cpu.Core, set bool, args string) string {
	kind, rest, ok := strings.Cut(args, ",")
	if !ok || kind != "0" {
		return ""
	}
	a, _, _ := strings.Cut(rest, ",")
	addr, err := strconv.ParseUint(a, 16, 32)
	if err != nil {
		return "E01"
	}
	if set {
		err = core.SetBreakpoint(memory.Addr(addr))
	} else {
		err = core.ClearBreakpoint(memory.Addr(addr))
	}
	if err != nil {
		s.logger.Debug("breakpoint", zap.Bool("set", set), zap.Stringer("addr", memory.Addr(addr)), zap.Error(err))
		return errReply(err)
	}
	return "OK"
}
