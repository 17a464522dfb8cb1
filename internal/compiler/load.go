// Package compiler builds models from CUE definition directories.
//
// A definition declares the model shape under two top-level blocks:
//
//	model: {
//	    rates: {
//	        constants: {base: {value: 2}, factor: {value: 3}}
//	        handlers: {
//	            product: {
//	                uses:    "math.mul"
//	                inputs:  ["base", "factor"]
//	                outputs: ["product"]
//	            }
//	        }
//	        nodes: {...}
//	        lists: {...}
//	    }
//	}
//	templates: {...}
//
// Load unifies every .cue file in a directory and parses the result
// into a Definition; Definition.Build resolves handler kinds against a
// registry and populates a model ready for sealing. Defects are coded
// ValidationErrors, collected exhaustively in CollectAll mode or
// reported one at a time in FailFast mode.
package compiler

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
)

// Mode selects how Load and Build report defects.
type Mode uint8

const (
	// FailFast stops at the first defect.
	FailFast Mode = iota
	// CollectAll gathers every defect before reporting.
	CollectAll
)

// String returns the mode name used in logs.
func (m Mode) String() string {
	if m == CollectAll {
		return "collect-all"
	}
	return "fail-fast"
}

// Load reads and unifies every .cue file directly in dir and parses
// the result into a Definition. CUE evaluation failures come back as a
// position-carrying *CompileError (FailFast) or a coded single-entry
// ValidationErrors (CollectAll); definition defects always come back
// as ValidationErrors.
func Load(dir string, mode Mode) (*Definition, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, ValidationErrors{{Code: ErrCodeNotFound, Field: dir, Message: "directory not found"}}
	}
	if err != nil {
		return nil, ValidationErrors{{Code: ErrCodeScanError, Field: dir, Message: err.Error()}}
	}
	if !info.IsDir() {
		return nil, ValidationErrors{{Code: ErrCodeNotFound, Field: dir, Message: "not a directory"}}
	}

	files, err := cueFiles(dir)
	if err != nil {
		return nil, ValidationErrors{{Code: ErrCodeScanError, Field: dir, Message: err.Error()}}
	}
	if len(files) == 0 {
		return nil, ValidationErrors{{Code: ErrCodeNoFiles, Field: dir, Message: "no .cue files found"}}
	}

	ctx := cuecontext.New()
	insts := load.Instances(files, &load.Config{Dir: dir})
	if len(insts) == 0 {
		return nil, ValidationErrors{{Code: ErrCodeLoadFailed, Field: dir, Message: "no CUE instance built"}}
	}
	inst := insts[0]
	if inst.Err != nil {
		return nil, cueFailure(ErrCodeLoadFailed, mode, inst.Err)
	}
	v := ctx.BuildInstance(inst)
	if err := v.Err(); err != nil {
		return nil, cueFailure(ErrCodeBuildFailed, mode, err)
	}

	p := &parser{mode: mode}
	d := p.parseDefinition(v)
	if err := p.err(); err != nil {
		return nil, err
	}
	d.Name = filepath.Base(filepath.Clean(dir))
	d.Dir = dir
	d.Mode = mode
	return d, nil
}

// cueFiles lists the .cue files directly in dir. os.ReadDir returns
// entries sorted by name, so unification order is stable.
func cueFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".cue") {
			continue
		}
		files = append(files, e.Name())
	}
	return files, nil
}

// cueFailure renders a CUE evaluation failure per mode: the bare
// position-carrying error in FailFast, a coded list in CollectAll.
func cueFailure(code string, mode Mode, err error) error {
	ferr := formatCUEError(err)
	if mode == FailFast {
		return ferr
	}
	var ce *CompileError
	if errors.As(ferr, &ce) {
		return ValidationErrors{{Code: code, Field: ce.Field, Message: ce.Message, Pos: ce.Pos}}
	}
	return ValidationErrors{{Code: code, Field: "cue", Message: err.Error()}}
}
