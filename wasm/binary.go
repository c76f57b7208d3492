package wasm

// Minimal WebAssembly binary encoding, enough to describe the env module
// that owns the shared memory.

const (
	sectionMemory = 0x05
	sectionExport = 0x07

	externMemory = 0x02

	limitsSharedMax = 0x03
)

var magic = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func appendULEB128(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func appendName(b []byte, s string) []byte {
	b = appendULEB128(b, uint32(len(s)))
	return append(b, s...)
}

func appendSection(b []byte, id byte, payload []byte) []byte {
	b = append(b, id)
	b = appendULEB128(b, uint32(len(payload)))
	return append(b, payload...)
}

func appendSharedLimits(b []byte, minPages, maxPages uint32) []byte {
	b = append(b, limitsSharedMax)
	b = appendULEB128(b, minPages)
	return appendULEB128(b, maxPages)
}

// memoryModule encodes a module with a single shared memory of minPages
// pages, growable to maxPages, exported as "memory".
func memoryModule(minPages, maxPages uint32) []byte {
	mem := appendULEB128(nil, 1)
	mem = appendSharedLimits(mem, minPages, maxPages)

	exp := appendULEB128(nil, 1)
	exp = appendName(exp, memoryName)
	exp = append(exp, externMemory, 0)

	bin := append([]byte(nil), magic...)
	bin = appendSection(bin, sectionMemory, mem)
	return appendSection(bin, sectionExport, exp)
}
