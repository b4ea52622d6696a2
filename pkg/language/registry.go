// Package language holds the static table of supported programming languages
// and renders their compile and run command templates.
package language

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/shlex"
)

// ErrUnsupportedLanguage is returned for tags outside the registry.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Language is a closed enumeration of the languages the grader can run.
type Language string

const (
	C          Language = "c"
	CPP        Language = "cpp"
	Java       Language = "java"
	Python     Language = "python"
	JavaScript Language = "javascript"
	Go         Language = "go"
)

// Template placeholders substituted by CompileCommand and RunCommand.
const (
	PlaceholderSource  = "{source}"
	PlaceholderBinary  = "{binary}"
	PlaceholderWorkdir = "{workdir}"
	PlaceholderClass   = "{class}"
	PlaceholderMemory  = "{memory}"
)

// Spec describes how one language is compiled and executed.
type Spec struct {
	Tag             Language
	DisplayName     string
	SourceFile      string
	BinaryFile      string
	Compiled        bool
	CompileTemplate string
	RunTemplate     string
	Env             []string
	DockerImage     string
	JobeID          string
	CodeTemplate    string
	// ReservesAddressSpace marks runtimes (JVM, V8, Go) that map far more
	// virtual memory than they use, so an address-space rlimit cannot be applied.
	ReservesAddressSpace bool
}

// Vars are the values substituted into command templates.
type Vars struct {
	Source   string
	Binary   string
	Workdir  string
	Class    string
	MemoryMB int
}

var aliases = map[string]Language{
	"c":          C,
	"cpp":        CPP,
	"c++":        CPP,
	"cxx":        CPP,
	"java":       Java,
	"python":     Python,
	"python3":    Python,
	"py":         Python,
	"javascript": JavaScript,
	"js":         JavaScript,
	"node":       JavaScript,
	"nodejs":     JavaScript,
	"go":         Go,
	"golang":     Go,
}

var registry = map[Language]Spec{
	C: {
		Tag:             C,
		DisplayName:     "C",
		SourceFile:      "main.c",
		BinaryFile:      "main",
		Compiled:        true,
		CompileTemplate: "gcc -std=c11 -O2 -o {binary} {source} -lm",
		RunTemplate:     "{binary}",
		DockerImage:     "gcc:13",
		JobeID:          "c",
		CodeTemplate:    "#include <stdio.h>\n\nint main() {\n    \n    return 0;\n}\n",
	},
	CPP: {
		Tag:             CPP,
		DisplayName:     "C++",
		SourceFile:      "main.cpp",
		BinaryFile:      "main",
		Compiled:        true,
		CompileTemplate: "g++ -std=c++17 -O2 -o {binary} {source}",
		RunTemplate:     "{binary}",
		DockerImage:     "gcc:13",
		JobeID:          "cpp",
		CodeTemplate:    "#include <iostream>\nusing namespace std;\n\nint main() {\n    \n    return 0;\n}\n",
	},
	Java: {
		Tag:                  Java,
		DisplayName:          "Java",
		SourceFile:           "Main.java",
		Compiled:             true,
		CompileTemplate:      "javac -encoding UTF-8 -d {workdir} {source}",
		RunTemplate:          "java -Xmx{memory}m -cp {workdir} {class}",
		DockerImage:          "eclipse-temurin:21-jdk",
		JobeID:               "java",
		CodeTemplate:         "public class Main {\n    public static void main(String[] args) {\n        \n    }\n}\n",
		ReservesAddressSpace: true,
	},
	Python: {
		Tag:          Python,
		DisplayName:  "Python 3",
		SourceFile:   "main.py",
		RunTemplate:  "python3 {source}",
		DockerImage:  "python:3.11-alpine",
		JobeID:       "python3",
		CodeTemplate: "# Python code here\n",
	},
	JavaScript: {
		Tag:                  JavaScript,
		DisplayName:          "JavaScript (Node.js)",
		SourceFile:           "main.js",
		RunTemplate:          "node --max-old-space-size={memory} {source}",
		DockerImage:          "node:20-alpine",
		JobeID:               "nodejs",
		CodeTemplate:         "// JavaScript code here\n",
		ReservesAddressSpace: true,
	},
	Go: {
		Tag:                  Go,
		DisplayName:          "Go",
		SourceFile:           "main.go",
		BinaryFile:           "main",
		Compiled:             true,
		CompileTemplate:      "go build -o {binary} {source}",
		RunTemplate:          "{binary}",
		Env:                  []string{"GOCACHE={workdir}/.gocache", "GOPATH={workdir}/.gopath", "HOME={workdir}", "CGO_ENABLED=0"},
		DockerImage:          "golang:1.22-alpine",
		CodeTemplate:         "package main\n\nimport \"fmt\"\n\nfunc main() {\n\tfmt.Println()\n}\n",
		ReservesAddressSpace: true,
	},
}

var javaClassPattern = regexp.MustCompile(`public\s+(?:final\s+|abstract\s+)*class\s+([A-Za-z_][A-Za-z0-9_]*)`)

// Normalize maps a user supplied tag (including aliases) onto a registry key.
func Normalize(tag string) (Language, error) {
	key := strings.ToLower(strings.TrimSpace(tag))
	if lang, ok := aliases[key]; ok {
		return lang, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, tag)
}

// Lookup returns the spec for the tag or ErrUnsupportedLanguage.
func Lookup(tag string) (Spec, error) {
	lang, err := Normalize(tag)
	if err != nil {
		return Spec{}, err
	}
	return registry[lang], nil
}

// MustLookup panics on unknown languages. Only used with constants.
func MustLookup(lang Language) Spec {
	spec, ok := registry[lang]
	if !ok {
		panic(fmt.Sprintf("language %q is not registered", lang))
	}
	return spec
}

// All returns every registered spec ordered by tag.
func All() []Spec {
	specs := make([]Spec, 0, len(registry))
	for _, spec := range registry {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Tag < specs[j].Tag })
	return specs
}

// EntryPoint returns the source file name and main class for the given code.
// Only Java derives them from the code; other languages use fixed names.
func (s Spec) EntryPoint(code string) (sourceFile, class string) {
	if s.Tag != Java {
		return s.SourceFile, ""
	}
	if m := javaClassPattern.FindStringSubmatch(code); len(m) == 2 {
		return m[1] + ".java", m[1]
	}
	return s.SourceFile, strings.TrimSuffix(s.SourceFile, ".java")
}

// CompileCommand renders the compile argv. It is nil for interpreted languages.
func (s Spec) CompileCommand(vars Vars) ([]string, error) {
	if !s.Compiled {
		return nil, nil
	}
	return render(s.CompileTemplate, vars)
}

// RunCommand renders the run argv.
func (s Spec) RunCommand(vars Vars) ([]string, error) {
	return render(s.RunTemplate, vars)
}

// Environment renders the extra environment variables for the toolchain.
func (s Spec) Environment(vars Vars) []string {
	if len(s.Env) == 0 {
		return nil
	}
	replacer := replacerFor(vars)
	env := make([]string, 0, len(s.Env))
	for _, item := range s.Env {
		env = append(env, replacer.Replace(item))
	}
	return env
}

// Toolchain returns the executables the local backend needs on PATH.
func (s Spec) Toolchain() []string {
	var tools []string
	for _, tpl := range []string{s.CompileTemplate, s.RunTemplate} {
		fields, err := shlex.Split(tpl)
		if err != nil || len(fields) == 0 {
			continue
		}
		if strings.Contains(fields[0], "{") {
			continue
		}
		tools = append(tools, fields[0])
	}
	return tools
}

func render(tpl string, vars Vars) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, errors.New("command template is empty")
	}
	fields, err := shlex.Split(replacerFor(vars).Replace(tpl))
	if err != nil {
		return nil, fmt.Errorf("parse command template: %w", err)
	}
	if len(fields) == 0 {
		return nil, errors.New("command is empty after expansion")
	}
	return fields, nil
}

func replacerFor(vars Vars) *strings.Replacer {
	memory := vars.MemoryMB
	if memory <= 0 {
		memory = 256
	}
	return strings.NewReplacer(
		PlaceholderSource, vars.Source,
		PlaceholderBinary, vars.Binary,
		PlaceholderWorkdir, vars.Workdir,
		PlaceholderClass, vars.Class,
		PlaceholderMemory, strconv.Itoa(memory),
	)
}
