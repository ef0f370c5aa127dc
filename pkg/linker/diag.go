package linker

import (
	"fmt"
	"strings"
)

type Severity uint8

const (
	SeverityWarning Severity = iota
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	}
	return "unknown"
}

type DiagID uint16

const (
	DiagNone DiagID = iota

	// input
	DiagNoInputs
	DiagFileTooSmall
	DiagNotELF
	DiagBadClass
	DiagBadEndian
	DiagBadFileType
	DiagMachineMismatch
	DiagUnknownMachine
	DiagBadSectionHeader
	DiagBadSymbolIndex
	DiagBadSectionIndex
	DiagRelNotSupported
	DiagBadDynObj
	DiagCommonLocal
	DiagBadMergeSection

	// resolution
	DiagUndefinedReference
	DiagMultipleDefinition
	DiagCommonSizeMismatch
	DiagEntryNotFound

	// relocation
	DiagRelocOverflow
	DiagBadReloc
	DiagUnsupportedReloc
	DiagUnknownReloc
	DiagNonPICReloc
	DiagCopyRelocDisabled

	// output
	DiagExecStack
	DiagWriteFailed
	DiagInternal
)

type diagInfo struct {
	Severity Severity
	Format   string
}

var diagCatalog = map[DiagID]diagInfo{
	DiagNoInputs:         {SeverityFatal, "no input files"},
	DiagFileTooSmall:     {SeverityFatal, "%s: file too small"},
	DiagNotELF:           {SeverityFatal, "%s: not an ELF file"},
	DiagBadClass:         {SeverityFatal, "%s: unsupported ELF class %d"},
	DiagBadEndian:        {SeverityFatal, "%s: unsupported ELF data encoding %d"},
	DiagBadFileType:      {SeverityFatal, "%s: unexpected ELF file type %s"},
	DiagMachineMismatch:  {SeverityFatal, "%s: incompatible machine %s, expected %s"},
	DiagUnknownMachine:   {SeverityFatal, "unsupported target machine %s"},
	DiagBadSectionHeader: {SeverityFatal, "%s: section header is out of range: %d"},
	DiagBadSymbolIndex:   {SeverityFatal, "%s: invalid symbol index %d"},
	DiagBadSectionIndex:  {SeverityFatal, "%s: invalid section index %d"},
	DiagRelNotSupported:  {SeverityError, "%s: SHT_REL section %s is not supported"},
	DiagBadDynObj:        {SeverityFatal, "%s: cannot read dynamic object: %v"},
	DiagCommonLocal:      {SeverityFatal, "%s: common local symbol %s"},
	DiagBadMergeSection:  {SeverityFatal, "%s: %s: %s"},

	DiagUndefinedReference: {SeverityError, "%s: undefined reference to `%s'"},
	DiagMultipleDefinition: {SeverityError, "multiple definition of `%s'; first defined in %s, redefined in %s"},
	DiagCommonSizeMismatch: {SeverityWarning, "common symbol `%s' size %d in %s overrides size %d"},
	DiagEntryNotFound:      {SeverityWarning, "cannot find entry symbol %s; defaulting to %#x"},

	DiagRelocOverflow:     {SeverityError, "%s: relocation %s out of range: %d is not in [%d, %d]; references `%s'"},
	DiagBadReloc:          {SeverityError, "%s: bad relocation %s against `%s'"},
	DiagUnsupportedReloc:  {SeverityError, "%s: relocation %s against `%s' is not supported for this output"},
	DiagUnknownReloc:      {SeverityError, "%s: unknown relocation type %d"},
	DiagNonPICReloc:       {SeverityError, "%s: relocation %s against `%s' can not be used when making a shared object; recompile with -fPIC"},
	DiagCopyRelocDisabled: {SeverityError, "%s: copy relocation against `%s' is disabled by -z nocopyreloc"},

	DiagExecStack:   {SeverityWarning, "%s: missing .note.GNU-stack section implies executable stack"},
	DiagWriteFailed: {SeverityFatal, "cannot write output file %s: %v"},
	DiagInternal:    {SeverityFatal, "internal error: %v"},
}

type Diagnostic struct {
	ID       DiagID
	Severity Severity
	Msg      string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s", d.Severity, d.Msg)
}

// FatalError is the panic value that unwinds a session on a fatal
// diagnostic. Link recovers it.
type FatalError struct {
	Diag Diagnostic
}

func (e *FatalError) Error() string {
	return e.Diag.Msg
}

type Diagnostics struct {
	List     []Diagnostic
	Errors   int
	Warnings int
}

func (d *Diagnostics) HasErrors() bool {
	return d.Errors > 0
}

// Count returns how many diagnostics with the given ID were reported.
func (d *Diagnostics) Count(id DiagID) int {
	n := 0
	for _, diag := range d.List {
		if diag.ID == id {
			n++
		}
	}
	return n
}

func (d *Diagnostics) String() string {
	var sb strings.Builder
	for _, diag := range d.List {
		sb.WriteString(diag.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Report formats and records a diagnostic. Fatal diagnostics do not
// return.
func (ctx *Context) Report(id DiagID, args ...any) {
	info, ok := diagCatalog[id]
	if !ok {
		info = diagInfo{SeverityFatal, "unknown diagnostic"}
	}

	diag := Diagnostic{
		ID:       id,
		Severity: info.Severity,
		Msg:      fmt.Sprintf(info.Format, args...),
	}
	ctx.Diag.List = append(ctx.Diag.List, diag)

	switch diag.Severity {
	case SeverityWarning:
		ctx.Diag.Warnings++
	case SeverityError:
		ctx.Diag.Errors++
	case SeverityFatal:
		ctx.Diag.Errors++
		panic(&FatalError{Diag: diag})
	}
}
