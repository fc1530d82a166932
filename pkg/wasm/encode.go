package wasm

import "encoding/binary"

// Encode serializes the module back to binary form. Only sections with
// content are emitted, in canonical order.
func (m *Module) Encode() []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out, wasmMagic)
	binary.LittleEndian.PutUint32(out[4:], wasmVersion)

	out = appendSection(out, 1, m.encodeTypes())
	out = appendSection(out, 2, m.encodeImports())
	out = appendSection(out, 3, m.encodeFuncs())
	out = appendSection(out, 4, m.encodeTables())
	out = appendSection(out, 5, m.encodeMemories())
	out = appendSection(out, 6, m.encodeGlobals())
	out = appendSection(out, 7, m.encodeExports())
	if m.HasStart {
		out = appendSection(out, 8, appendU32(nil, m.Start))
	}
	out = appendSection(out, 9, m.encodeElements())
	out = appendSection(out, 10, m.encodeCodes())
	out = appendSection(out, 11, m.encodeData())
	return out
}

func appendSection(out []byte, id byte, body []byte) []byte {
	if len(body) == 0 {
		return out
	}
	out = append(out, id)
	out = appendU32(out, uint32(len(body)))
	return append(out, body...)
}

func appendName(out []byte, s string) []byte {
	out = appendU32(out, uint32(len(s)))
	return append(out, s...)
}

func appendLimits(out []byte, lim Limits) []byte {
	if lim.HasMax {
		out = append(out, 1)
		out = appendU32(out, lim.Min)
		return appendU32(out, lim.Max)
	}
	out = append(out, 0)
	return appendU32(out, lim.Min)
}

func appendTableType(out []byte, tt TableType) []byte {
	out = append(out, tt.ElemType)
	return appendLimits(out, tt.Lim)
}

func appendGlobalType(out []byte, gt GlobalType) []byte {
	out = append(out, gt.ValType)
	if gt.Mutable {
		return append(out, 1)
	}
	return append(out, 0)
}

func (m *Module) encodeTypes() []byte {
	if len(m.Types) == 0 {
		return nil
	}
	out := appendU32(nil, uint32(len(m.Types)))
	for _, t := range m.Types {
		out = append(out, 0x60)
		out = appendU32(out, uint32(len(t.Params)))
		out = append(out, t.Params...)
		out = appendU32(out, uint32(len(t.Results)))
		out = append(out, t.Results...)
	}
	return out
}

func (m *Module) encodeImports() []byte {
	if len(m.Imports) == 0 {
		return nil
	}
	out := appendU32(nil, uint32(len(m.Imports)))
	for _, imp := range m.Imports {
		out = appendName(out, imp.Module)
		out = appendName(out, imp.Name)
		out = append(out, imp.Kind)
		switch imp.Kind {
		case extKindFunc:
			out = appendU32(out, imp.TypeIdx)
		case extKindTable:
			out = appendTableType(out, imp.Table)
		case extKindMemory:
			out = appendLimits(out, imp.Mem)
		case extKindGlobal:
			out = appendGlobalType(out, imp.Global)
		}
	}
	return out
}

func (m *Module) encodeFuncs() []byte {
	if len(m.Funcs) == 0 {
		return nil
	}
	out := appendU32(nil, uint32(len(m.Funcs)))
	for _, ti := range m.Funcs {
		out = appendU32(out, ti)
	}
	return out
}

func (m *Module) encodeTables() []byte {
	if len(m.Tables) == 0 {
		return nil
	}
	out := appendU32(nil, uint32(len(m.Tables)))
	for _, tt := range m.Tables {
		out = appendTableType(out, tt)
	}
	return out
}

func (m *Module) encodeMemories() []byte {
	if len(m.Memories) == 0 {
		return nil
	}
	out := appendU32(nil, uint32(len(m.Memories)))
	for _, lim := range m.Memories {
		out = appendLimits(out, lim)
	}
	return out
}

func (m *Module) encodeGlobals() []byte {
	if len(m.Globals) == 0 {
		return nil
	}
	out := appendU32(nil, uint32(len(m.Globals)))
	for _, g := range m.Globals {
		out = appendGlobalType(out, g.Type)
		out = appendExpr(out, g.Init)
	}
	return out
}

func (m *Module) encodeExports() []byte {
	if len(m.Exports) == 0 {
		return nil
	}
	out := appendU32(nil, uint32(len(m.Exports)))
	for _, ex := range m.Exports {
		out = appendName(out, ex.Name)
		out = append(out, ex.Kind)
		out = appendU32(out, ex.Index)
	}
	return out
}

func (m *Module) encodeElements() []byte {
	if len(m.Elements) == 0 {
		return nil
	}
	out := appendU32(nil, uint32(len(m.Elements)))
	for _, el := range m.Elements {
		out = appendU32(out, el.TableIdx)
		out = appendExpr(out, el.Offset)
		out = appendU32(out, uint32(len(el.Funcs)))
		for _, fi := range el.Funcs {
			out = appendU32(out, fi)
		}
	}
	return out
}

func (m *Module) encodeCodes() []byte {
	if len(m.Codes) == 0 {
		return nil
	}
	out := appendU32(nil, uint32(len(m.Codes)))
	for _, c := range m.Codes {
		body := appendU32(nil, uint32(len(c.Locals)))
		for _, l := range c.Locals {
			body = appendU32(body, l.Count)
			body = append(body, l.Type)
		}
		body = appendExpr(body, c.Body)
		out = appendU32(out, uint32(len(body)))
		out = append(out, body...)
	}
	return out
}

func (m *Module) encodeData() []byte {
	if len(m.Data) == 0 {
		return nil
	}
	out := appendU32(nil, uint32(len(m.Data)))
	for _, d := range m.Data {
		out = appendU32(out, d.MemIdx)
		out = appendExpr(out, d.Offset)
		out = appendU32(out, uint32(len(d.Bytes)))
		out = append(out, d.Bytes...)
	}
	return out
}

func appendExpr(out []byte, body []Instr) []byte {
	for _, in := range body {
		out = append(out, in.Op)
		switch opImm[in.Op].imm {
		case immBlockType:
			out = append(out, in.Block)
		case immIndex:
			out = appendU32(out, in.Arg)
		case immBrTable:
			out = appendU32(out, uint32(len(in.Targets)))
			for _, t := range in.Targets {
				out = appendU32(out, t)
			}
			out = appendU32(out, in.Arg)
		case immCallIndirect:
			out = appendU32(out, in.Arg)
			out = append(out, 0)
		case immMemArg:
			out = appendU32(out, in.Arg)
			out = appendU32(out, in.Arg2)
		case immMemIndex:
			out = append(out, 0)
		case immI32, immI64:
			out = appendS64(out, in.Const)
		}
	}
	return out
}
