package audio

import (
	"bufio"
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultModuleRef selects the embedded processor chain shipped with the binary.
const DefaultModuleRef = "default"

//go:embed processor_default.dspmod
var defaultModuleAsset []byte

// Module is one compiled processor chain. Registered once per engine
// lifetime; Process is applied to every playback block.
type Module struct {
	Ref string
	ops []moduleOp
}

type moduleOp func(samples []int16)

// Process runs the chain over one block of samples in place.
func (m *Module) Process(samples []int16) {
	for _, op := range m.ops {
		op(samples)
	}
}

// CompileModule parses a processor asset into an executable chain.
// The format is line-oriented: `op arg`, with # comments.
func CompileModule(ref string, asset []byte) (*Module, error) {
	module := &Module{Ref: ref}

	scanner := bufio.NewScanner(strings.NewReader(string(asset)))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		op, err := compileOp(fields)
		if err != nil {
			return nil, fmt.Errorf("module %q line %d: %w", ref, lineNo, err)
		}
		module.ops = append(module.ops, op)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan module %q: %w", ref, err)
	}

	if len(module.ops) == 0 {
		return nil, fmt.Errorf("module %q declares no processor ops", ref)
	}
	return module, nil
}

func compileOp(fields []string) (moduleOp, error) {
	switch fields[0] {
	case "gain":
		factor, err := opArg(fields)
		if err != nil {
			return nil, err
		}
		return func(samples []int16) {
			for i, s := range samples {
				samples[i] = clampSample(float64(s) * factor)
			}
		}, nil
	case "clip":
		limit, err := opArg(fields)
		if err != nil {
			return nil, err
		}
		ceiling := limit * 32767
		return func(samples []int16) {
			for i, s := range samples {
				v := float64(s)
				if v > ceiling {
					v = ceiling
				} else if v < -ceiling {
					v = -ceiling
				}
				samples[i] = int16(v)
			}
		}, nil
	default:
		return nil, fmt.Errorf("unknown processor op %q", fields[0])
	}
}

func opArg(fields []string) (float64, error) {
	if len(fields) != 2 {
		return 0, fmt.Errorf("op %q expects exactly one argument", fields[0])
	}
	arg, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, fmt.Errorf("op %q argument %q is not a number", fields[0], fields[1])
	}
	if arg < 0 {
		return 0, fmt.Errorf("op %q argument must be >= 0", fields[0])
	}
	return arg, nil
}

func clampSample(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// ReadModuleAsset resolves a module reference to its raw asset bytes.
// The empty and default refs use the embedded chain; anything else is a path.
func ReadModuleAsset(ref string) ([]byte, error) {
	if ref == "" || ref == DefaultModuleRef {
		return defaultModuleAsset, nil
	}
	asset, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("read module asset %q: %w", ref, err)
	}
	return asset, nil
}
