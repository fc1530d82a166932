package wasm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/quartzchain/quartz/pkg/types"
)

var (
	// ErrModuleTooLarge means the raw binary exceeds the configured size cap.
	ErrModuleTooLarge = errors.New("wasm: module too large")
	// ErrUnparseable covers structural decoding failures.
	ErrUnparseable = errors.New("wasm: unparseable module")
	// ErrDisallowedOpcode covers instructions and constructs outside the
	// deterministic integer subset.
	ErrDisallowedOpcode = errors.New("wasm: disallowed opcode")
	// ErrMemoryLimit means the declared minimum memory exceeds the cap.
	ErrMemoryLimit = errors.New("wasm: memory limit exceeded")
)

// Config bounds accepted modules.
type Config struct {
	MaxModuleBytes int       `yaml:"maxModuleBytes" mapstructure:"maxModuleBytes"`
	MaxMemoryPages uint32    `yaml:"maxMemoryPages" mapstructure:"maxMemoryPages"`
	Costs          CostTable `yaml:"costs" mapstructure:"costs"`
}

// DefaultConfig caps modules at 1 MiB and linear memory at 64 MiB.
func DefaultConfig() Config {
	return Config{
		MaxModuleBytes: 1 << 20,
		MaxMemoryPages: 1024,
		Costs:          DefaultCostTable(),
	}
}

// InstrumentedModule is the output of Prepare: a deterministic, gas metered
// binary plus the digest of the original bytes it was derived from.
type InstrumentedModule struct {
	Bytes    []byte
	CodeHash types.Digest
}

// Prepare validates raw module bytes and produces the instrumented binary.
// The transformation is a pure function of the input and the config, so the
// same contract always yields the same metered code on every node.
func Prepare(raw []byte, cfg Config) (*InstrumentedModule, error) {
	if cfg.MaxModuleBytes > 0 && len(raw) > cfg.MaxModuleBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrModuleTooLarge, len(raw))
	}
	m, err := ParseModule(raw)
	if err != nil {
		if isOpcodeError(err) {
			return nil, fmt.Errorf("%w: %v", ErrDisallowedOpcode, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if err := validateShape(m, cfg); err != nil {
		return nil, err
	}
	m.injectGas(cfg.Costs)
	return &InstrumentedModule{
		Bytes:    m.Encode(),
		CodeHash: types.Blake2b(raw),
	}, nil
}

// isOpcodeError distinguishes the allow-list rejections embedded in parse
// errors from purely structural ones.
func isOpcodeError(err error) bool {
	return strings.Contains(err.Error(), "not allowed")
}

func validateShape(m *Module, cfg Config) error {
	memories := len(m.Memories)
	tables := len(m.Tables)
	for _, imp := range m.Imports {
		switch imp.Kind {
		case extKindMemory:
			memories++
		case extKindTable:
			tables++
		case extKindFunc:
			if imp.Module == GasFuncModule && imp.Name == GasFuncName {
				return fmt.Errorf("%w: import %s.%s is reserved", ErrDisallowedOpcode, imp.Module, imp.Name)
			}
		}
	}
	if memories > 1 {
		return fmt.Errorf("%w: %d memories", ErrUnparseable, memories)
	}
	if tables > 1 {
		return fmt.Errorf("%w: %d tables", ErrUnparseable, tables)
	}
	for i := range m.Memories {
		lim := &m.Memories[i]
		if cfg.MaxMemoryPages > 0 {
			if lim.Min > cfg.MaxMemoryPages {
				return fmt.Errorf("%w: min %d pages", ErrMemoryLimit, lim.Min)
			}
			if !lim.HasMax || lim.Max > cfg.MaxMemoryPages {
				lim.HasMax = true
				lim.Max = cfg.MaxMemoryPages
			}
		}
	}
	return nil
}
