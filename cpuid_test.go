package xnukit

import (
	"bytes"
	"errors"
	"testing"
)

func TestPatchKernelCpuid(t *testing.T) {
	// xor eax, eax ; cpuid ; six stores ; ret
	code := []byte{0x31, 0xC0, 0x0F, 0xA2}
	for i := 0; i < 6; i++ {
		code = append(code, 0x89, 0x45, 0xFC)
	}
	code = append(code, 0xC3)

	buf, payload := buildPrelinked(testImageOpts{
		code:    code,
		symbols: map[string]uint64{"_cpuid_set_info": testVBase + 0x400},
	})
	p := kernelPatcherOver(t, buf, payload)

	data := [4]uint32{0x000306A9, 0, 0, 0}
	mask := [4]uint32{0xFFFFFFFF, 0, 0, 0}
	cpu := &CpuInfo{
		Cpuid1EAX: 0x000906E9,
		Cpuid1EBX: 0x11223344,
		Cpuid1ECX: 0x55667788,
		Cpuid1EDX: 0x99AABBCC,
	}

	if err := PatchKernelCpuid(p, cpu, data, mask); err != nil {
		t.Fatalf("PatchKernelCpuid() error = %v", err)
	}

	want := []byte{
		0xB8, 0xA9, 0x06, 0x03, 0x00, // mov eax, masked signature
		0xBB, 0x44, 0x33, 0x22, 0x11, // mov ebx, host value
		0xB9, 0x88, 0x77, 0x66, 0x55, // mov ecx, host value
		0xBA, 0xCC, 0xBB, 0xAA, 0x99, // mov edx, host value
	}
	if !bytes.Equal(buf[0x402:0x402+20], want) {
		t.Errorf("rewritten sequence:\n got % x\nwant % x", buf[0x402:0x402+20], want)
	}
	// The prologue before CPUID is untouched and the function still
	// ends with its ret.
	if buf[0x400] != 0x31 || buf[0x401] != 0xC0 {
		t.Error("prologue overwritten")
	}
	if buf[0x400+uint32(len(code))-1] != 0xC3 {
		t.Error("ret overwritten")
	}
}

func TestPatchKernelCpuidMissingRoutine(t *testing.T) {
	buf, payload := buildPrelinked(testImageOpts{})
	p := kernelPatcherOver(t, buf, payload)

	err := PatchKernelCpuid(p, nil, [4]uint32{1, 0, 0, 0}, [4]uint32{0xFF, 0, 0, 0})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("PatchKernelCpuid() error = %v, want ErrNotFound", err)
	}
}

func TestPatchKernelCpuidNoInvocation(t *testing.T) {
	// The routine exists but never issues CPUID.
	code := []byte{0x31, 0xC0, 0xC3}
	buf, payload := buildPrelinked(testImageOpts{
		code:    code,
		symbols: map[string]uint64{"_cpuid_set_info": testVBase + 0x400},
	})
	p := kernelPatcherOver(t, buf, payload)

	err := PatchKernelCpuid(p, nil, [4]uint32{1, 0, 0, 0}, [4]uint32{0xFF, 0, 0, 0})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("PatchKernelCpuid() error = %v, want ErrNotFound", err)
	}
}
