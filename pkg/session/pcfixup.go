package session

import (
	"errors"

	"golang.org/x/arch/x86/x86asm"

	"github.com/willibrandon/ctutor/pkg/debugger"
)

// maxInstLen is the longest x86 instruction encoding
const maxInstLen = 15

// fixupPC moves the program counter past the instruction at the entry stop
// so the next continue does not trap on it again. It is best effort: every
// failure is logged and the run goes on.
func (s *Session) fixupPC() {
	pc, err := s.backend.PC()
	if err != nil {
		s.log.Warn("pc fix-up skipped", "error", err)
		return
	}

	length := instructionLength(s.backend, pc, s.opts.PCFixupFallback)
	if err := s.backend.SetPC(pc + uint64(length)); err != nil {
		if errors.Is(err, debugger.ErrUnsupported) {
			s.log.Info("pc fix-up not supported by backend, skipping", "pc", pc)
			return
		}
		s.log.Warn("pc fix-up failed", "pc", pc, "error", err)
		return
	}
	s.log.Debug("pc fix-up applied", "pc", pc, "length", length)
}

// instructionLength decodes the instruction at pc, returning fallback when
// it cannot be read or decoded
func instructionLength(mem debugger.Memory, pc uint64, fallback int) int {
	// a short read near the end of a mapping still holds a whole instruction
	code, _ := mem.ReadMemory(pc, maxInstLen)
	if len(code) == 0 {
		return fallback
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil || inst.Len == 0 {
		return fallback
	}
	return inst.Len
}
