package wasm

// Tiny compute modules assembled by hand for the engine tests. The image
// always starts at byte 16 of the shared memory.

const imageOffset = 16

const (
	sectionType     = 0x01
	sectionImport   = 0x02
	sectionFunction = 0x03
	sectionCode     = 0x0a

	externFunc = 0x00

	valueI32 = 0x7f
	valueF64 = 0x7c
)

// Instruction bytes used by the test bodies.
const (
	opUnreachable = 0x00
	opEnd         = 0x0b
	opCall        = 0x10
	opLocalGet    = 0x20
	opI32Const    = 0x41
	opI32Add      = 0x6a
	opI32Mul      = 0x6c
	opPrefixFC    = 0xfc
	opMemoryFill  = 0x0b
)

type testModule struct {
	rankArgs  bool   // mandelbrot takes (..., rank, workers)
	hostRank  bool   // imports worker.rank and worker.workers
	noMemory  bool   // omit the env.memory import
	maxPages  uint32 // import maximum, defaults to 1
	render    []byte // mandelbrot body without locals and end
	extraFunc string // exported name of an additional () -> i32 import
}

// fillRowBody fills row `rank` of a two pixel wide image with rank+1. load
// pushes the rank onto the stack.
func fillRowBody(load ...byte) []byte {
	b := append([]byte(nil), load...)
	b = append(b, opI32Const, 8, opI32Mul, opI32Const, imageOffset, opI32Add) // dest
	b = append(b, load...)
	b = append(b, opI32Const, 1, opI32Add)        // value
	b = append(b, opI32Const, 8)                  // length
	b = append(b, opPrefixFC, opMemoryFill, 0x00) // memory.fill
	return b
}

// fillAllBody writes 0xFF over n bytes of the image.
func fillAllBody(n byte) []byte {
	return []byte{
		opI32Const, imageOffset,
		opI32Const, 0x7f, // -1
		opI32Const, n,
		opPrefixFC, opMemoryFill, 0x00,
	}
}

func appendFuncType(b []byte, params, results []byte) []byte {
	b = append(b, 0x60)
	b = appendULEB128(b, uint32(len(params)))
	b = append(b, params...)
	b = appendULEB128(b, uint32(len(results)))
	return append(b, results...)
}

func (m testModule) encode() []byte {
	params := []byte{valueI32, valueF64, valueF64, valueF64}
	if m.rankArgs {
		params = append(params, valueI32, valueI32)
	}
	maxPages := m.maxPages
	if maxPages == 0 {
		maxPages = 1
	}

	// type 0: mandelbrot, type 1: () -> i32
	types := appendULEB128(nil, 2)
	types = appendFuncType(types, params, nil)
	types = appendFuncType(types, nil, []byte{valueI32})

	var entries []byte
	var count, funcImports uint32
	if !m.noMemory {
		entries = appendName(entries, EnvModule)
		entries = appendName(entries, memoryName)
		entries = append(entries, externMemory)
		entries = appendSharedLimits(entries, 1, maxPages)
		count++
	}
	var hostFuncs []string
	if m.hostRank {
		hostFuncs = append(hostFuncs, RankFunc, WorkersFunc)
	}
	if m.extraFunc != "" {
		hostFuncs = append(hostFuncs, m.extraFunc)
	}
	for _, name := range hostFuncs {
		entries = appendName(entries, WorkerModule)
		entries = appendName(entries, name)
		entries = append(entries, externFunc, 1)
		count++
		funcImports++
	}
	imports := appendULEB128(nil, count)
	imports = append(imports, entries...)

	funcs := appendULEB128(nil, 2)
	funcs = append(funcs, 0, 1)

	exports := appendULEB128(nil, 2)
	exports = appendName(exports, RenderFunc)
	exports = append(exports, externFunc)
	exports = appendULEB128(exports, funcImports)
	exports = appendName(exports, ImageFunc)
	exports = append(exports, externFunc)
	exports = appendULEB128(exports, funcImports+1)

	renderBody := append([]byte{0x00}, m.render...) // no locals
	renderBody = append(renderBody, opEnd)
	imageBody := []byte{0x00, opI32Const, imageOffset, opEnd}

	code := appendULEB128(nil, 2)
	code = appendULEB128(code, uint32(len(renderBody)))
	code = append(code, renderBody...)
	code = appendULEB128(code, uint32(len(imageBody)))
	code = append(code, imageBody...)

	bin := append([]byte(nil), magic...)
	bin = appendSection(bin, sectionType, types)
	bin = appendSection(bin, sectionImport, imports)
	bin = appendSection(bin, sectionFunction, funcs)
	bin = appendSection(bin, sectionExport, exports)
	return appendSection(bin, sectionCode, code)
}
