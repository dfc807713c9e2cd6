// Command gen_ortapi prints the OrtApi field list for ort/api.go from
// onnxruntime_c_api.h.
//
//	go run ./tools -through AddSessionConfigEntry onnxruntime_c_api.h
//
// Parsing is regex based and tracks the macros used by current headers
// (ORT_API2_STATUS, ORT_CLASS_RELEASE and plain ORT_API_CALL pointers).
package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"go/format"
	"io"
	"os"
	"regexp"
	"strings"
)

var (
	ortAPIPattern          = regexp.MustCompile(`^struct OrtApi \{`)
	ortAPI2StatusPattern   = regexp.MustCompile(`ORT_API2_STATUS\((\w+),`)
	functionPtrPattern     = regexp.MustCompile(`^\s+(OrtStatus|OrtErrorCode|const char|void)\s*\(\s*ORT_API_CALL\s*\*\s*(\w+)\)`)
	functionPtrPattern2    = regexp.MustCompile(`^\s+(OrtStatus|OrtErrorCode|const char)\s*\*\s*\(\s*ORT_API_CALL\s*\*\s*(\w+)\)`)
	ortClassReleasePattern = regexp.MustCompile(`ORT_CLASS_RELEASE\((\w+)\)`)
	endStructPattern       = regexp.MustCompile(`^\s*\};`)
)

// anchors pins 1-based table positions that every supported header shares.
var anchors = map[string]int{
	"CreateEnv":                      4,
	"CreateTensorWithDataAsOrtValue": 50,
	"CreateMemoryInfo":               69,
	"ReleaseEnv":                     93,
}

type functionPointer struct {
	Name    string
	LineNum int
}

func main() {
	through := flag.String("through", "AddSessionConfigEntry", "last table entry to emit; empty emits the whole table")
	check := flag.Bool("check-anchors", true, "verify well-known entries sit at their expected positions")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <path-to-onnxruntime_c_api.h>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *through, *check, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "gen_ortapi: %v\n", err)
		os.Exit(1)
	}
}

func run(headerPath, through string, check bool, w io.Writer) error {
	file, err := os.Open(headerPath)
	if err != nil {
		return fmt.Errorf("failed to open header file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	functions, structLine, err := parseOrtAPI(file)
	if err != nil {
		return err
	}
	if check {
		if err := checkAnchors(functions); err != nil {
			return err
		}
	}
	functions, err = truncateThrough(functions, through)
	if err != nil {
		return err
	}

	src, err := generateStruct(functions, structLine)
	if err != nil {
		return err
	}
	_, err = w.Write(src)
	return err
}

// parseOrtAPI returns the OrtApi function table entries in declaration
// order and the line the struct starts on.
func parseOrtAPI(r io.Reader) ([]functionPointer, int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var (
		functions  []functionPointer
		inStruct   bool
		lineNum    int
		structLine int
	)
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		if !inStruct {
			if ortAPIPattern.MatchString(line) {
				inStruct = true
				structLine = lineNum
			}
			continue
		}
		if endStructPattern.MatchString(line) {
			break
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "/*") || strings.HasPrefix(trimmed, "*") {
			continue
		}

		var name string
		if m := ortAPI2StatusPattern.FindStringSubmatch(line); m != nil {
			name = m[1]
		} else if m := functionPtrPattern.FindStringSubmatch(line); m != nil {
			name = m[2]
		} else if m := functionPtrPattern2.FindStringSubmatch(line); m != nil {
			name = m[2]
		} else if m := ortClassReleasePattern.FindStringSubmatch(line); m != nil {
			name = "Release" + m[1]
		}
		if name != "" {
			functions = append(functions, functionPointer{Name: name, LineNum: lineNum})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("error reading header: %w", err)
	}
	if !inStruct {
		return nil, 0, fmt.Errorf("struct OrtApi not found")
	}

	seen := make(map[string]bool, len(functions))
	for _, fn := range functions {
		if seen[fn.Name] {
			return nil, 0, fmt.Errorf("duplicate function name %s at line %d", fn.Name, fn.LineNum)
		}
		seen[fn.Name] = true
	}
	return functions, structLine, nil
}

func checkAnchors(functions []functionPointer) error {
	positions := make(map[string]int, len(functions))
	for i, fn := range functions {
		positions[fn.Name] = i + 1
	}
	for name, want := range anchors {
		got, ok := positions[name]
		if !ok {
			return fmt.Errorf("key function %s not found; parser may be broken", name)
		}
		if got != want {
			return fmt.Errorf("key function %s found at position %d, expected %d; parser may be broken", name, got, want)
		}
	}
	return nil
}

func truncateThrough(functions []functionPointer, through string) ([]functionPointer, error) {
	if through == "" {
		return functions, nil
	}
	for i, fn := range functions {
		if fn.Name == through {
			return functions[:i+1], nil
		}
	}
	return nil, fmt.Errorf("function %s not found in OrtApi", through)
}

func generateStruct(functions []functionPointer, structLine int) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "// Generated by tools/gen_ortapi.go from struct OrtApi at header line %d.\n", structLine)
	fmt.Fprintf(&buf, "// %d entries.\n", len(functions))
	buf.WriteString("type OrtApi struct {\n")
	for _, fn := range functions {
		fmt.Fprintf(&buf, "\t%s uintptr\n", fn.Name)
	}
	buf.WriteString("}\n")

	src, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to format generated struct: %w", err)
	}
	return src, nil
}
