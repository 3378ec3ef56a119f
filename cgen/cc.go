package cgen

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// === Toolchain driver ===

// OutputKind selects the artifact produced from emitted C.
type OutputKind int

const (
	OutputNone OutputKind = iota
	OutputBinary
	OutputStatic
	OutputShared
	OutputArchive
	OutputObject
)

func (k OutputKind) String() string {
	switch k {
	case OutputNone:
		return "none"
	case OutputBinary:
		return "binary"
	case OutputStatic:
		return "static"
	case OutputShared:
		return "shared"
	case OutputArchive:
		return "archive"
	case OutputObject:
		return "object"
	}
	return "output?"
}

// ToolchainError carries the compiler's or archiver's stderr verbatim.
type ToolchainError struct {
	Tool   string
	Stderr string
	Err    error
}

func (e *ToolchainError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Tool, e.Err)
	if e.Stderr != "" {
		msg += "\n" + strings.TrimRight(e.Stderr, "\n")
	}
	return msg
}

func (e *ToolchainError) Unwrap() error { return e.Err }

// FindCC returns the C compiler to drive: $CC, falling back to cc.
func FindCC() string {
	if cc := os.Getenv("CC"); cc != "" {
		return cc
	}
	return "cc"
}

// CompileSource pipes src into the C compiler and produces out of the
// requested kind. Static and archive outputs compile an object first and
// pack it with ar.
func CompileSource(cc string, src string, out string, kind OutputKind) error {
	switch kind {
	case OutputNone:
		return nil

	case OutputStatic, OutputArchive:
		obj := out + ".o"
		if err := runCC(cc, src, obj, []string{"-c"}); err != nil {
			return err
		}
		defer os.Remove(obj)
		return runTool("ar", "rcs", out, obj)

	case OutputObject:
		return runCC(cc, src, out, []string{"-c"})

	case OutputShared:
		return runCC(cc, src, out, []string{"-shared", "-fPIC"})

	case OutputBinary:
		return runCC(cc, src, out, nil)
	}
	return fmt.Errorf("bad output kind %d", kind)
}

func runCC(cc, src, out string, extra []string) error {
	args := []string{"-x", "c", "-", "-o", out}
	args = append(args, extra...)
	slog.Debug("spawning C compiler", "cc", cc, "out", filepath.Base(out), "args", strings.Join(extra, " "))

	cmd := exec.Command(cc, args...)
	cmd.Stdin = strings.NewReader(src)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &ToolchainError{Tool: cc, Stderr: stderr.String(), Err: err}
	}
	return nil
}

func runTool(tool string, args ...string) error {
	cmd := exec.Command(tool, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &ToolchainError{Tool: tool, Stderr: stderr.String(), Err: err}
	}
	return nil
}
