package xnukit

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// CPUID leaf-1 emulation rewrites the CPUID invocation inside the
// kernel's CPU identification routine so the kernel sees the caller's
// masked leaf-1 registers instead of the host's.

const (
	cpuidSetInfoSymbol        = "_cpuid_set_info"
	cpuidSetGenericInfoSymbol = "_cpuid_set_generic_info"

	// cpuidScanWindow bounds how far into the identification routine
	// the CPUID instruction is searched for.
	cpuidScanWindow = 0x1000
)

// PatchKernelCpuid substitutes the masked CPUID leaf-1 bits inside the
// kernel's CPU identification function. Bits cleared in mask keep the
// host's real values from cpu.
func PatchKernelCpuid(p *PatcherContext, cpu *CpuInfo, data, mask [4]uint32) error {
	host := [4]uint32{}
	if cpu != nil {
		host = [4]uint32{cpu.Cpuid1EAX, cpu.Cpuid1EBX, cpu.Cpuid1ECX, cpu.Cpuid1EDX}
	}
	var merged [4]uint32
	for i := range merged {
		merged[i] = (data[i] & mask[i]) | (host[i] &^ mask[i])
	}

	start, err := p.SymbolOffset(cpuidSetInfoSymbol)
	if err != nil {
		start, err = p.SymbolOffset(cpuidSetGenericInfoSymbol)
		if err != nil {
			return errors.Wrap(ErrNotFound, "cpu identification routine")
		}
	}

	end := start + cpuidScanWindow
	if end > uint64(len(p.buf)) {
		end = uint64(len(p.buf))
	}
	code := p.buf[start:end]

	// Walk the instruction stream to the CPUID invocation; decoding
	// keeps the search from matching the two opcode bytes inside an
	// immediate.
	cpuidOff := -1
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			off++
			continue
		}
		if inst.Op == x86asm.CPUID {
			cpuidOff = off
			break
		}
		off += inst.Len
	}
	if cpuidOff < 0 {
		return errors.Wrap(ErrNotFound, "cpuid invocation")
	}

	// The replacement loads the four merged registers in place of the
	// query sequence. Consume whole instructions from CPUID onwards
	// until the stub fits, then pad with NOPs to the boundary.
	stub := make([]byte, 0, 20)
	for i, opcode := range []byte{0xB8, 0xBB, 0xB9, 0xBA} { // mov e{a,b,c,d}x, imm32
		var imm [4]byte
		binary.LittleEndian.PutUint32(imm[:], merged[i])
		stub = append(stub, opcode)
		stub = append(stub, imm[:]...)
	}

	regionEnd := cpuidOff
	for regionEnd-cpuidOff < len(stub) {
		if regionEnd >= len(code) {
			return errors.Wrap(ErrNotFound, "cpuid sequence too short to rewrite")
		}
		inst, err := x86asm.Decode(code[regionEnd:], 64)
		if err != nil {
			return errors.Wrap(ErrNotFound, "cpuid sequence does not decode")
		}
		regionEnd += inst.Len
	}

	copy(code[cpuidOff:], stub)
	for i := cpuidOff + len(stub); i < regionEnd; i++ {
		code[i] = 0x90
	}

	log.WithField("offset", start+uint64(cpuidOff)).Info("cpuid emulation patched")
	return nil
}
