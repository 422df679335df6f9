package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/cts/internal/compiler"
	"github.com/roach88/cts/internal/ir"
)

// LoadResult contains a compiled forrest and where it came from.
type LoadResult struct {
	Spec      *ir.ForrestSpec
	Files     []string // CUE files that make up the forrest
	FileCount int
}

// LoadError represents an error that occurred while loading a forrest.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeWriteFailed = "E007" // File write error
	ErrCodeNoForrest   = "E008" // No forrest block
	ErrCodeStore       = "E009" // Journal could not be opened or read
	ErrCodeEngine      = "E010" // Forrest could not be realized
	ErrCodeBadInput    = "E011" // Malformed flag or request input
)

// LoadForrest compiles the forrest at path: a single .cue file, or a
// directory whose CUE package declares a forrest block.
//
// Every tree records the file it was declared in, so relative tree URLs
// resolve against the spec's directory.
func LoadForrest(path string) (*LoadResult, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("spec path not found: %s", path)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing spec path: %v", err)}
	}

	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("reading %s: %v", path, err)}
		}
		spec, err := compiler.CompileSource(data, path)
		if err != nil {
			return nil, convertCompileError(err, path)
		}
		return &LoadResult{Spec: spec, Files: []string{path}, FileCount: 1}, nil
	}

	cueFiles, err := FindCUEFiles(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}
	}
	if len(cueFiles) == 0 {
		return nil, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", path)}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: path})
	if len(instances) == 0 {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}
	}

	fv := value.LookupPath(cue.ParsePath("forrest"))
	if !fv.Exists() {
		return nil, &LoadError{Code: ErrCodeNoForrest, Message: fmt.Sprintf("no forrest block found in %s", path)}
	}
	spec, err := compiler.CompileForrest(fv)
	if err != nil {
		return nil, convertCompileError(err, "forrest")
	}
	anchor := filepath.Join(path, "forrest.cue")
	for i := range spec.Trees {
		if spec.Trees[i].LoadedFrom == "" {
			spec.Trees[i].LoadedFrom = anchor
		}
	}

	return &LoadResult{Spec: spec, Files: cueFiles, FileCount: len(cueFiles)}, nil
}

// FindCUEFiles returns the .cue files directly inside dir, sorted.
// Subdirectories are separate CUE packages and are not included.
func FindCUEFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".cue" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error, context string) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    MapFieldToErrorCode(compileErr.Field),
			Message: compileErr.Message,
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{
		Code:    ErrCodeGeneric,
		Message: fmt.Sprintf("%s: %v", context, err),
	}
}

// MapFieldToErrorCode maps a compiler error field to an error code.
func MapFieldToErrorCode(field string) string {
	switch field {
	case "cue":
		return ErrCodeBuildFailed
	case "forrest":
		return ErrCodeNoForrest
	case "trees":
		return compiler.ErrTreeNameInvalid
	default:
		return ErrCodeGeneric
	}
}

// loadError converts any loader error into a code and message.
func loadError(err error) (string, string) {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		msg := loadErr.Message
		if loadErr.Pos.IsValid() {
			msg = fmt.Sprintf("%s:%d:%d: %s", loadErr.Pos.Filename(), loadErr.Pos.Line(), loadErr.Pos.Column(), msg)
		}
		return loadErr.Code, msg
	}
	return ErrCodeGeneric, err.Error()
}

// loadValidForrest loads a forrest and rejects it if validation finds
// errors. Commands that realize a forrest use it.
func loadValidForrest(path string) (*LoadResult, error) {
	res, err := LoadForrest(path)
	if err != nil {
		return nil, err
	}
	if errs := compiler.Validate(res.Spec); len(errs) > 0 {
		msg := errs[0].Error()
		if len(errs) > 1 {
			msg = fmt.Sprintf("%s (and %d more)", msg, len(errs)-1)
		}
		return nil, &LoadError{Code: errs[0].Code, Message: msg}
	}
	return res, nil
}
