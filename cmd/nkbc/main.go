package main

import (
	"fmt"
	"os"
	"strings"
	"unsafe"

	"j5.nz/nkb"
	"j5.nz/nkb/atom"
	"j5.nz/nkb/ir"
)

const version = "0.1.0"

const usage = `usage: nkbc [options] file

options:
  -h, --help                        print this help and exit
  -v, --version                     print the version and exit
  -c, --color {auto|always|never}   colored diagnostics
  -t, --loglevel {none|error|warning|info|debug|trace}
  -o <file>                         output path (default: a.out)
  -k {run|bin|shared|static|archive|obj|ir}
                                    output kind (default: run)
`

func fatalUsage(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	fmt.Fprint(os.Stderr, usage)
	os.Exit(1)
}

func main() {
	colorMode := "auto"
	logLevel := "error"
	outPath := "a.out"
	kind := "run"
	var inputFile string

	args := os.Args[1:]
	i := 0
	for i < len(args) {
		a := args[i]
		switch {
		case a == "-h" || a == "--help":
			fmt.Print(usage)
			return
		case a == "-v" || a == "--version":
			fmt.Printf("nkbc %s\n", version)
			return
		case a == "-c" || a == "--color":
			if i+1 >= len(args) {
				fatalUsage("missing argument for %s", a)
			}
			colorMode = args[i+1]
			i += 2
		case a == "-t" || a == "--loglevel":
			if i+1 >= len(args) {
				fatalUsage("missing argument for %s", a)
			}
			logLevel = args[i+1]
			i += 2
		case a == "-o":
			if i+1 >= len(args) {
				fatalUsage("missing argument for -o")
			}
			outPath = args[i+1]
			i += 2
		case a == "-k":
			if i+1 >= len(args) {
				fatalUsage("missing argument for -k")
			}
			kind = args[i+1]
			i += 2
		case strings.HasPrefix(a, "-"):
			fatalUsage("unknown option %q", a)
		default:
			if inputFile != "" {
				fatalUsage("more than one input file")
			}
			inputFile = a
			i++
		}
	}
	if inputFile == "" {
		fatalUsage("no input file")
	}
	switch colorMode {
	case "auto", "always", "never":
	default:
		fatalUsage("bad color mode %q", colorMode)
	}
	if err := nkb.SetupLogging(logLevel); err != nil {
		fatalUsage("%v", err)
	}

	os.Exit(run(inputFile, outPath, kind, useColor(colorMode)))
}

func useColor(mode string) bool {
	if mode == "always" {
		return true
	}
	if mode == "never" {
		return false
	}
	fi, err := os.Stderr.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

func printErrors(s *nkb.State, color bool) {
	prefix, suffix := "", ""
	if color {
		prefix, suffix = "\x1b[1;31m", "\x1b[0m"
	}
	for _, e := range s.Errors() {
		fmt.Fprintf(os.Stderr, "%serror:%s %s\n", prefix, suffix, e)
	}
}

func run(inputFile, outPath, kind string, color bool) int {
	s := nkb.NewState()
	defer s.Free()

	c := nkb.NewCompilerHost(s)
	m := nkb.NewModule(c)

	if !nkb.CompileFile(m, inputFile) {
		printErrors(s, color)
		return 1
	}

	switch kind {
	case "run":
		entry := atom.FromString("main")
		if m.IR().FindSymbol(entry) == nil {
			fmt.Fprintln(os.Stderr, "error: entry point is not defined")
			return 1
		}
		var code int64
		rets := []unsafe.Pointer{unsafe.Pointer(&code)}
		if !nkb.Invoke(m, entry, nil, rets) {
			printErrors(s, color)
			return 1
		}
		if code != 0 {
			return 1
		}
		return 0

	case "ir":
		ir.InspectModule(os.Stdout, m.IR())
		return 0
	}

	var out nkb.OutputKind
	switch kind {
	case "bin":
		out = nkb.OutputBinary
		entry := atom.FromString("main")
		if m.IR().FindSymbol(entry) == nil {
			fmt.Fprintln(os.Stderr, "error: entry point is not defined")
			return 1
		}
	case "shared":
		out = nkb.OutputShared
	case "static":
		out = nkb.OutputStatic
	case "archive":
		out = nkb.OutputArchive
	case "obj":
		out = nkb.OutputObject
	default:
		fmt.Fprintf(os.Stderr, "error: bad output kind %q\n", kind)
		return 1
	}
	if !nkb.ExportModule(m, outPath, out) {
		printErrors(s, color)
		return 1
	}
	return 0
}
