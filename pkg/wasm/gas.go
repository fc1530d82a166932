package wasm

// CostTable assigns gas per opcode class. Costs are charged at metered block
// entry from the static sum of the instructions in the block; memory growth
// is charged dynamically per page.
type CostTable struct {
	Regular           uint64 `yaml:"regular" mapstructure:"regular"`
	Mul               uint64 `yaml:"mul" mapstructure:"mul"`
	Div               uint64 `yaml:"div" mapstructure:"div"`
	Mem               uint64 `yaml:"mem" mapstructure:"mem"`
	Const             uint64 `yaml:"const" mapstructure:"const"`
	Branch            uint64 `yaml:"branch" mapstructure:"branch"`
	Call              uint64 `yaml:"call" mapstructure:"call"`
	GrowMemoryPerPage uint64 `yaml:"growMemoryPerPage" mapstructure:"growMemoryPerPage"`
}

// DefaultCostTable returns the production schedule.
func DefaultCostTable() CostTable {
	return CostTable{
		Regular:           1,
		Mul:               4,
		Div:               16,
		Mem:               2,
		Const:             1,
		Branch:            2,
		Call:              16,
		GrowMemoryPerPage: 8192,
	}
}

func (ct CostTable) of(op byte) uint64 {
	switch opImm[op].cost {
	case costMul:
		return ct.Mul
	case costDiv:
		return ct.Div
	case costMem:
		return ct.Mem
	case costConst:
		return ct.Const
	case costBranch:
		return ct.Branch
	case costCall:
		return ct.Call
	default:
		return ct.Regular
	}
}

// GasFuncModule and GasFuncName identify the charging import the
// instrumenter injects. The host provides it alongside the regular API.
const (
	GasFuncModule = "env"
	GasFuncName   = "gas"
)

// injectGas rewrites the module so that every metered block charges its
// static cost through an injected env.gas(i64) import before it runs, and
// memory.grow is routed through a wrapper that charges per requested page.
//
// The gas import becomes the last imported function, so every defined
// function index shifts up by one; call immediates, element segments,
// exports, and the start function are renumbered to match.
func (m *Module) injectGas(ct CostTable) {
	gasIdx := m.NumImportedFuncs()

	gasType := FuncType{Params: []byte{valI64}}
	gasTypeIdx := m.typeIndex(gasType)

	m.Imports = append(m.Imports, Import{
		Module:  GasFuncModule,
		Name:    GasFuncName,
		Kind:    extKindFunc,
		TypeIdx: gasTypeIdx,
	})

	// Renumber references to defined functions.
	renumber := func(idx uint32) uint32 {
		if idx >= gasIdx {
			return idx + 1
		}
		return idx
	}
	for i := range m.Codes {
		for j := range m.Codes[i].Body {
			in := &m.Codes[i].Body[j]
			if in.Op == opCall {
				in.Arg = renumber(in.Arg)
			}
		}
	}
	for i := range m.Elements {
		for j := range m.Elements[i].Funcs {
			m.Elements[i].Funcs[j] = renumber(m.Elements[i].Funcs[j])
		}
	}
	for i := range m.Exports {
		if m.Exports[i].Kind == extKindFunc {
			m.Exports[i].Index = renumber(m.Exports[i].Index)
		}
	}
	if m.HasStart {
		m.Start = renumber(m.Start)
	}

	needGrow := false
	for i := range m.Codes {
		m.Codes[i].Body = meterBody(m.Codes[i].Body, ct, gasIdx)
		if rewriteGrow(m.Codes[i].Body, uint32(len(m.Funcs))+gasIdx+1) {
			needGrow = true
		}
	}
	if needGrow {
		m.appendGrowWrapper(ct, gasIdx)
	}
}

func (m *Module) typeIndex(ft FuncType) uint32 {
	for i, t := range m.Types {
		if t.equal(ft) {
			return uint32(i)
		}
	}
	m.Types = append(m.Types, ft)
	return uint32(len(m.Types) - 1)
}

// meterBody splits the body at control boundaries and prefixes every run of
// straight-line instructions with a charge for its summed cost. The charge
// sequence is stack neutral, so it is valid at any program point.
func meterBody(body []Instr, ct CostTable, gasIdx uint32) []Instr {
	out := make([]Instr, 0, len(body)+8)
	var run []Instr
	var cost uint64

	flush := func() {
		if cost > 0 {
			out = append(out,
				Instr{Op: opI64Const, Const: int64(cost)},
				Instr{Op: opCall, Arg: gasIdx},
			)
		}
		out = append(out, run...)
		run = run[:0]
		cost = 0
	}

	for _, in := range body {
		run = append(run, in)
		cost += ct.of(in.Op)
		switch in.Op {
		case opBlock, opLoop, opIf, opElse, opEnd,
			opBr, opBrIf, opBrTable, opReturn, opUnreachable:
			flush()
		}
	}
	flush()
	return out
}

// rewriteGrow replaces memory.grow with a call to the wrapper function and
// reports whether any replacement happened.
func rewriteGrow(body []Instr, growIdx uint32) bool {
	found := false
	for i := range body {
		if body[i].Op == opMemoryGrow {
			body[i] = Instr{Op: opCall, Arg: growIdx}
			found = true
		}
	}
	return found
}

// appendGrowWrapper defines func(pages i32) -> i32 that charges
// pages * GrowMemoryPerPage and then grows the memory.
func (m *Module) appendGrowWrapper(ct CostTable, gasIdx uint32) {
	wrapType := FuncType{Params: []byte{valI32}, Results: []byte{valI32}}
	m.Funcs = append(m.Funcs, m.typeIndex(wrapType))
	m.Codes = append(m.Codes, Code{
		Body: []Instr{
			{Op: opLocalGet, Arg: 0},
			{Op: opI64ExtendI32U},
			{Op: opI64Const, Const: int64(ct.GrowMemoryPerPage)},
			{Op: opI64Mul},
			{Op: opCall, Arg: gasIdx},
			{Op: opLocalGet, Arg: 0},
			{Op: opMemoryGrow},
			{Op: opEnd},
		},
	})
}
