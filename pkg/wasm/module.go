package wasm

import (
	"encoding/binary"
	"fmt"
)

// Value types of the integer subset.
const (
	valI32 = 0x7F
	valI64 = 0x7E

	blockTypeEmpty = 0x40
)

// External kinds used by imports and exports.
const (
	extKindFunc   = 0x00
	extKindTable  = 0x01
	extKindMemory = 0x02
	extKindGlobal = 0x03
)

const (
	wasmMagic   = 0x6D736100 // "\0asm" little endian
	wasmVersion = 1
)

// Instr is one decoded instruction. The immediate fields are shared across
// opcodes; opImm says which of them an opcode carries.
type Instr struct {
	Op      byte
	Block   byte     // block type for block, loop, if
	Arg     uint32   // index, label, memarg align, br_table default
	Arg2    uint32   // memarg offset, call_indirect reserved byte
	Const   int64    // i32.const and i64.const payload
	Targets []uint32 // br_table labels
}

// FuncType is a function signature over the integer value types.
type FuncType struct {
	Params  []byte
	Results []byte
}

func (t FuncType) equal(o FuncType) bool {
	if len(t.Params) != len(o.Params) || len(t.Results) != len(o.Results) {
		return false
	}
	for i, p := range t.Params {
		if o.Params[i] != p {
			return false
		}
	}
	for i, r := range t.Results {
		if o.Results[i] != r {
			return false
		}
	}
	return true
}

type Limits struct {
	Min    uint32
	Max    uint32
	HasMax bool
}

type TableType struct {
	ElemType byte
	Lim      Limits
}

type GlobalType struct {
	ValType byte
	Mutable bool
}

type Import struct {
	Module string
	Name   string
	Kind   byte
	// One of the following is set depending on Kind.
	TypeIdx uint32
	Table   TableType
	Mem     Limits
	Global  GlobalType
}

type Global struct {
	Type GlobalType
	Init []Instr
}

type Export struct {
	Name  string
	Kind  byte
	Index uint32
}

type Element struct {
	TableIdx uint32
	Offset   []Instr
	Funcs    []uint32
}

type LocalEntry struct {
	Count uint32
	Type  byte
}

type Code struct {
	Locals []LocalEntry
	Body   []Instr
}

type DataSegment struct {
	MemIdx uint32
	Offset []Instr
	Bytes  []byte
}

// Module is a decoded MVP module restricted to the integer instruction set.
// Custom sections are discarded during parsing.
type Module struct {
	Types    []FuncType
	Imports  []Import
	Funcs    []uint32 // type index per defined function
	Tables   []TableType
	Memories []Limits
	Globals  []Global
	Exports  []Export
	HasStart bool
	Start    uint32
	Elements []Element
	Codes    []Code
	Data     []DataSegment
}

// NumImportedFuncs counts function imports; defined functions are indexed
// after them.
func (m *Module) NumImportedFuncs() uint32 {
	var n uint32
	for _, imp := range m.Imports {
		if imp.Kind == extKindFunc {
			n++
		}
	}
	return n
}

// ParseModule decodes a binary module. Sections must appear in canonical
// order; custom sections are skipped wherever they occur.
func ParseModule(raw []byte) (*Module, error) {
	r := &reader{b: raw}
	hdr, err := r.bytes(8)
	if err != nil {
		return nil, fmt.Errorf("missing header: %w", errTruncated)
	}
	if binary.LittleEndian.Uint32(hdr) != wasmMagic {
		return nil, fmt.Errorf("bad magic %x", hdr[:4])
	}
	if binary.LittleEndian.Uint32(hdr[4:]) != wasmVersion {
		return nil, fmt.Errorf("unsupported version %d", binary.LittleEndian.Uint32(hdr[4:]))
	}

	m := &Module{}
	lastID := byte(0)
	for r.len() > 0 {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		body, err := r.bytes(int(size))
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", id, errTruncated)
		}
		if id == 0 {
			continue // custom section, dropped
		}
		if id > 11 {
			return nil, fmt.Errorf("unknown section id %d", id)
		}
		if id <= lastID {
			return nil, fmt.Errorf("section %d out of order", id)
		}
		lastID = id
		sr := &reader{b: body}
		if err := m.parseSection(id, sr); err != nil {
			return nil, fmt.Errorf("section %d: %w", id, err)
		}
		if sr.len() != 0 {
			return nil, fmt.Errorf("section %d has %d trailing bytes", id, sr.len())
		}
	}
	if len(m.Funcs) != len(m.Codes) {
		return nil, fmt.Errorf("function count %d does not match code count %d", len(m.Funcs), len(m.Codes))
	}
	return m, nil
}

func (m *Module) parseSection(id byte, r *reader) error {
	switch id {
	case 1:
		return m.parseTypes(r)
	case 2:
		return m.parseImports(r)
	case 3:
		return m.parseFuncs(r)
	case 4:
		return m.parseTables(r)
	case 5:
		return m.parseMemories(r)
	case 6:
		return m.parseGlobals(r)
	case 7:
		return m.parseExports(r)
	case 8:
		start, err := r.u32()
		if err != nil {
			return err
		}
		m.HasStart = true
		m.Start = start
		return nil
	case 9:
		return m.parseElements(r)
	case 10:
		return m.parseCodes(r)
	case 11:
		return m.parseData(r)
	}
	return fmt.Errorf("unhandled section id %d", id)
}

func parseValType(r *reader) (byte, error) {
	v, err := r.byte()
	if err != nil {
		return 0, err
	}
	if v != valI32 && v != valI64 {
		return 0, fmt.Errorf("value type 0x%02x not allowed", v)
	}
	return v, nil
}

func (m *Module) parseTypes(r *reader) error {
	n, err := r.vecLen()
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, 0, n)
	for i := uint32(0); i < n; i++ {
		form, err := r.byte()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return fmt.Errorf("type %d: form 0x%02x is not a function type", i, form)
		}
		var ft FuncType
		np, err := r.vecLen()
		if err != nil {
			return err
		}
		for j := uint32(0); j < np; j++ {
			v, err := parseValType(r)
			if err != nil {
				return err
			}
			ft.Params = append(ft.Params, v)
		}
		nr, err := r.vecLen()
		if err != nil {
			return err
		}
		if nr > 1 {
			return fmt.Errorf("type %d: %d results", i, nr)
		}
		for j := uint32(0); j < nr; j++ {
			v, err := parseValType(r)
			if err != nil {
				return err
			}
			ft.Results = append(ft.Results, v)
		}
		m.Types = append(m.Types, ft)
	}
	return nil
}

func parseLimits(r *reader) (Limits, error) {
	flag, err := r.byte()
	if err != nil {
		return Limits{}, err
	}
	if flag > 1 {
		return Limits{}, fmt.Errorf("limits flag 0x%02x", flag)
	}
	var lim Limits
	if lim.Min, err = r.u32(); err != nil {
		return Limits{}, err
	}
	if flag == 1 {
		lim.HasMax = true
		if lim.Max, err = r.u32(); err != nil {
			return Limits{}, err
		}
		if lim.Max < lim.Min {
			return Limits{}, fmt.Errorf("limits max %d below min %d", lim.Max, lim.Min)
		}
	}
	return lim, nil
}

func parseTableType(r *reader) (TableType, error) {
	el, err := r.byte()
	if err != nil {
		return TableType{}, err
	}
	if el != 0x70 { // funcref
		return TableType{}, fmt.Errorf("element type 0x%02x", el)
	}
	lim, err := parseLimits(r)
	if err != nil {
		return TableType{}, err
	}
	return TableType{ElemType: el, Lim: lim}, nil
}

func parseGlobalType(r *reader) (GlobalType, error) {
	vt, err := parseValType(r)
	if err != nil {
		return GlobalType{}, err
	}
	mut, err := r.byte()
	if err != nil {
		return GlobalType{}, err
	}
	if mut > 1 {
		return GlobalType{}, fmt.Errorf("mutability flag 0x%02x", mut)
	}
	return GlobalType{ValType: vt, Mutable: mut == 1}, nil
}

func (m *Module) parseImports(r *reader) error {
	n, err := r.vecLen()
	if err != nil {
		return err
	}
	m.Imports = make([]Import, 0, n)
	for i := uint32(0); i < n; i++ {
		var imp Import
		if imp.Module, err = r.name(); err != nil {
			return err
		}
		if imp.Name, err = r.name(); err != nil {
			return err
		}
		if imp.Kind, err = r.byte(); err != nil {
			return err
		}
		switch imp.Kind {
		case extKindFunc:
			if imp.TypeIdx, err = r.u32(); err != nil {
				return err
			}
			if int(imp.TypeIdx) >= len(m.Types) {
				return fmt.Errorf("import %d: type index %d out of range", i, imp.TypeIdx)
			}
		case extKindTable:
			if imp.Table, err = parseTableType(r); err != nil {
				return err
			}
		case extKindMemory:
			if imp.Mem, err = parseLimits(r); err != nil {
				return err
			}
		case extKindGlobal:
			if imp.Global, err = parseGlobalType(r); err != nil {
				return err
			}
			if imp.Global.Mutable {
				return fmt.Errorf("import %d: mutable global import", i)
			}
		default:
			return fmt.Errorf("import %d: kind 0x%02x", i, imp.Kind)
		}
		m.Imports = append(m.Imports, imp)
	}
	return nil
}

func (m *Module) parseFuncs(r *reader) error {
	n, err := r.vecLen()
	if err != nil {
		return err
	}
	m.Funcs = make([]uint32, 0, n)
	for i := uint32(0); i < n; i++ {
		ti, err := r.u32()
		if err != nil {
			return err
		}
		if int(ti) >= len(m.Types) {
			return fmt.Errorf("function %d: type index %d out of range", i, ti)
		}
		m.Funcs = append(m.Funcs, ti)
	}
	return nil
}

func (m *Module) parseTables(r *reader) error {
	n, err := r.vecLen()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		tt, err := parseTableType(r)
		if err != nil {
			return err
		}
		m.Tables = append(m.Tables, tt)
	}
	return nil
}

func (m *Module) parseMemories(r *reader) error {
	n, err := r.vecLen()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		lim, err := parseLimits(r)
		if err != nil {
			return err
		}
		m.Memories = append(m.Memories, lim)
	}
	return nil
}

func (m *Module) parseGlobals(r *reader) error {
	n, err := r.vecLen()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		gt, err := parseGlobalType(r)
		if err != nil {
			return err
		}
		init, err := parseExpr(r)
		if err != nil {
			return fmt.Errorf("global %d: %w", i, err)
		}
		m.Globals = append(m.Globals, Global{Type: gt, Init: init})
	}
	return nil
}

func (m *Module) parseExports(r *reader) error {
	n, err := r.vecLen()
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, n)
	for i := uint32(0); i < n; i++ {
		var ex Export
		if ex.Name, err = r.name(); err != nil {
			return err
		}
		if _, dup := seen[ex.Name]; dup {
			return fmt.Errorf("duplicate export %q", ex.Name)
		}
		seen[ex.Name] = struct{}{}
		if ex.Kind, err = r.byte(); err != nil {
			return err
		}
		if ex.Kind > extKindGlobal {
			return fmt.Errorf("export %q: kind 0x%02x", ex.Name, ex.Kind)
		}
		if ex.Index, err = r.u32(); err != nil {
			return err
		}
		m.Exports = append(m.Exports, ex)
	}
	return nil
}

func (m *Module) parseElements(r *reader) error {
	n, err := r.vecLen()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		var el Element
		if el.TableIdx, err = r.u32(); err != nil {
			return err
		}
		if el.Offset, err = parseExpr(r); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
		cnt, err := r.vecLen()
		if err != nil {
			return err
		}
		for j := uint32(0); j < cnt; j++ {
			fi, err := r.u32()
			if err != nil {
				return err
			}
			el.Funcs = append(el.Funcs, fi)
		}
		m.Elements = append(m.Elements, el)
	}
	return nil
}

func (m *Module) parseCodes(r *reader) error {
	n, err := r.vecLen()
	if err != nil {
		return err
	}
	m.Codes = make([]Code, 0, n)
	for i := uint32(0); i < n; i++ {
		size, err := r.u32()
		if err != nil {
			return err
		}
		body, err := r.bytes(int(size))
		if err != nil {
			return fmt.Errorf("code %d: %w", i, errTruncated)
		}
		cr := &reader{b: body}
		var c Code
		nl, err := cr.vecLen()
		if err != nil {
			return err
		}
		var totalLocals uint64
		for j := uint32(0); j < nl; j++ {
			cnt, err := cr.u32()
			if err != nil {
				return err
			}
			vt, err := parseValType(cr)
			if err != nil {
				return err
			}
			totalLocals += uint64(cnt)
			if totalLocals > 1<<16 {
				return fmt.Errorf("code %d: too many locals", i)
			}
			c.Locals = append(c.Locals, LocalEntry{Count: cnt, Type: vt})
		}
		if c.Body, err = parseExpr(cr); err != nil {
			return fmt.Errorf("code %d: %w", i, err)
		}
		if cr.len() != 0 {
			return fmt.Errorf("code %d: %d trailing bytes", i, cr.len())
		}
		m.Codes = append(m.Codes, c)
	}
	return nil
}

func (m *Module) parseData(r *reader) error {
	n, err := r.vecLen()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		var d DataSegment
		if d.MemIdx, err = r.u32(); err != nil {
			return err
		}
		if d.Offset, err = parseExpr(r); err != nil {
			return fmt.Errorf("data %d: %w", i, err)
		}
		sz, err := r.vecLen()
		if err != nil {
			return err
		}
		b, err := r.bytes(int(sz))
		if err != nil {
			return err
		}
		d.Bytes = append([]byte(nil), b...)
		m.Data = append(m.Data, d)
	}
	return nil
}

// parseExpr reads instructions up to and including the end opcode that closes
// the expression. Every opcode must be in the admitted set.
func parseExpr(r *reader) ([]Instr, error) {
	var out []Instr
	depth := 0
	for {
		op, err := r.byte()
		if err != nil {
			return nil, err
		}
		info, ok := opImm[op]
		if !ok {
			return nil, fmt.Errorf("opcode 0x%02x not allowed", op)
		}
		in := Instr{Op: op}
		switch info.imm {
		case immNone:
		case immBlockType:
			bt, err := r.byte()
			if err != nil {
				return nil, err
			}
			if bt != blockTypeEmpty && bt != valI32 && bt != valI64 {
				return nil, fmt.Errorf("block type 0x%02x not allowed", bt)
			}
			in.Block = bt
		case immIndex:
			if in.Arg, err = r.u32(); err != nil {
				return nil, err
			}
		case immBrTable:
			cnt, err := r.vecLen()
			if err != nil {
				return nil, err
			}
			in.Targets = make([]uint32, cnt)
			for i := range in.Targets {
				if in.Targets[i], err = r.u32(); err != nil {
					return nil, err
				}
			}
			if in.Arg, err = r.u32(); err != nil { // default label
				return nil, err
			}
		case immCallIndirect:
			if in.Arg, err = r.u32(); err != nil { // type index
				return nil, err
			}
			res, err := r.byte()
			if err != nil {
				return nil, err
			}
			if res != 0 {
				return nil, fmt.Errorf("call_indirect reserved byte 0x%02x", res)
			}
		case immMemArg:
			if in.Arg, err = r.u32(); err != nil { // alignment
				return nil, err
			}
			if in.Arg2, err = r.u32(); err != nil { // offset
				return nil, err
			}
		case immMemIndex:
			res, err := r.byte()
			if err != nil {
				return nil, err
			}
			if res != 0 {
				return nil, fmt.Errorf("memory index 0x%02x", res)
			}
		case immI32:
			v, err := r.s64()
			if err != nil {
				return nil, err
			}
			if v < -1<<31 || v > 1<<31-1 {
				return nil, fmt.Errorf("i32.const %d out of range", v)
			}
			in.Const = v
		case immI64:
			if in.Const, err = r.s64(); err != nil {
				return nil, err
			}
		}
		out = append(out, in)
		switch op {
		case opBlock, opLoop, opIf:
			depth++
		case opEnd:
			if depth == 0 {
				return out, nil
			}
			depth--
		}
	}
}
