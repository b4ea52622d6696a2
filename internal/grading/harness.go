package grading

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/gema-autograder/internal/models"
	"github.com/noah-isme/gema-autograder/pkg/language"
)

var (
	// ErrHarnessUnsupported reports that no harness can be generated for a question.
	ErrHarnessUnsupported = errors.New("harness unsupported")
	// ErrInvalidSignature reports a function signature that cannot be parsed.
	ErrInvalidSignature = errors.New("invalid function signature")
	// ErrInvalidArguments reports test input that does not fit the signature.
	ErrInvalidArguments = errors.New("invalid harness arguments")
	// ErrFunctionNotFound reports code that does not define the graded function.
	ErrFunctionNotFound = errors.New("function not found")
)

// Placeholders understood by custom test templates.
const (
	TemplateFunctionCode = "{{FUNCTION_CODE}}"
	TemplateInput        = "{{INPUT}}"
	TemplateFunctionName = "{{FUNCTION_NAME}}"
)

// Param is one declared parameter. Type is empty for untyped languages.
type Param struct {
	Name string
	Type string
}

// Signature is a parsed function declaration.
type Signature struct {
	Name       string
	ReturnType string
	Params     []Param
	// Declared is false when the question carried no signature at all.
	Declared bool
}

var declModifiers = map[string]bool{
	"public": true, "private": true, "protected": true, "static": true, "final": true,
	"abstract": true, "synchronized": true, "inline": true, "extern": true, "virtual": true,
}

// ParseSignature parses a declaration such as "int sum(int a[], int n)",
// "def solve(s: str, c: str) -> int:" or "function add(a, b)".
func ParseSignature(lang language.Language, text string) (Signature, error) {
	text = strings.TrimSpace(text)
	open := strings.Index(text, "(")
	if open < 0 {
		return Signature{}, fmt.Errorf("%w: %q has no parameter list", ErrInvalidSignature, text)
	}
	closing := matchPair(text, open, '(', ')')
	if closing < 0 {
		return Signature{}, fmt.Errorf("%w: unbalanced parentheses in %q", ErrInvalidSignature, text)
	}

	head := strings.Fields(text[:open])
	if len(head) == 0 {
		return Signature{}, fmt.Errorf("%w: missing function name", ErrInvalidSignature)
	}
	name := head[len(head)-1]
	sig := Signature{Declared: true}

	switch lang {
	case language.Python:
		if head[0] != "def" || len(head) != 2 {
			return Signature{}, fmt.Errorf("%w: expected def name(...)", ErrInvalidSignature)
		}
		if arrow := strings.Index(text[closing:], "->"); arrow >= 0 {
			sig.ReturnType = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text[closing+arrow+2:]), ":"))
		}
	case language.JavaScript:
		if !strings.HasPrefix(head[0], "function") && head[0] != "async" {
			return Signature{}, fmt.Errorf("%w: expected function name(...)", ErrInvalidSignature)
		}
		name = strings.TrimPrefix(name, "*")
	default:
		trimmed := strings.TrimLeft(name, "*&")
		returnParts := make([]string, 0, len(head))
		for _, part := range head[:len(head)-1] {
			if !declModifiers[part] {
				returnParts = append(returnParts, part)
			}
		}
		sig.ReturnType = compactType(strings.Join(returnParts, " ") + strings.Repeat("*", strings.Count(name[:len(name)-len(trimmed)], "*")))
		name = trimmed
		if sig.ReturnType == "" {
			return Signature{}, fmt.Errorf("%w: missing return type", ErrInvalidSignature)
		}
	}
	if !identifier.MatchString(name) {
		return Signature{}, fmt.Errorf("%w: %q is not an identifier", ErrInvalidSignature, name)
	}
	sig.Name = name

	sig.Params = []Param{}
	rawParams := strings.TrimSpace(text[open+1 : closing-1])
	if rawParams == "" || rawParams == "void" {
		return sig, nil
	}
	for _, raw := range splitTopLevel(rawParams) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		switch lang {
		case language.Python:
			sig.Params = append(sig.Params, parsePythonParam(raw))
		case language.JavaScript:
			sig.Params = append(sig.Params, Param{Name: strings.TrimSpace(strings.SplitN(raw, "=", 2)[0])})
		default:
			sig.Params = append(sig.Params, parseTypedParam(raw))
		}
	}
	return sig, nil
}

var (
	identifier      = regexp.MustCompile(`^[A-Za-z_]\w*$`)
	trailingIdent   = regexp.MustCompile(`[A-Za-z_]\w*$`)
	spaceBeforeMark = regexp.MustCompile(`\s+([*&])`)
)

func compactType(t string) string {
	t = strings.Join(strings.Fields(t), " ")
	return spaceBeforeMark.ReplaceAllString(t, "$1")
}

func parsePythonParam(raw string) Param {
	raw = strings.TrimSpace(strings.SplitN(raw, "=", 2)[0])
	name, typ, _ := strings.Cut(raw, ":")
	return Param{Name: strings.TrimSpace(name), Type: strings.TrimSpace(typ)}
}

func parseTypedParam(raw string) Param {
	if i := strings.Index(raw, "="); i >= 0 {
		raw = raw[:i]
	}
	raw = strings.TrimSpace(raw)
	suffix := ""
	for strings.HasSuffix(raw, "]") {
		i := strings.LastIndex(raw, "[")
		if i < 0 {
			break
		}
		suffix += "[]"
		raw = strings.TrimSpace(raw[:i])
	}
	loc := trailingIdent.FindStringIndex(raw)
	if loc == nil {
		return Param{Type: compactType(raw) + suffix}
	}
	typ := strings.TrimSpace(raw[:loc[0]])
	if typ == "" || typ == "const" || typ == "unsigned" {
		// a prototype listing only the type
		return Param{Type: compactType(raw) + suffix}
	}
	return Param{Name: raw[loc[0]:], Type: compactType(typ) + suffix}
}

// splitTopLevel splits on commas that are not nested in brackets.
func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(', '[', '{', '<':
			depth++
		case ')', ']', '}', '>':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

type valueKind int

const (
	kindUnknown valueKind = iota
	kindInt
	kindFloat
	kindBool
	kindString
	kindChar
	kindArray
)

type typeInfo struct {
	kind valueKind
	raw  string
	elem *typeInfo
}

var genericElem = regexp.MustCompile(`^(?:std::)?(?:vector|list|List|ArrayList|LinkedList|Sequence|Iterable)\s*[<\[](.*)[>\]]$`)

func classifyType(lang language.Language, raw string) typeInfo {
	t := strings.TrimSpace(raw)
	t = strings.TrimPrefix(t, "const ")
	t = strings.TrimSuffix(t, "&")
	t = strings.TrimSpace(strings.TrimSuffix(t, " const"))
	info := typeInfo{raw: t}

	isC := lang == language.C || lang == language.CPP
	switch {
	case t == "":
		return info
	case isC && (t == "char*" || t == "char[]"):
		info.kind = kindString
		return info
	case strings.HasSuffix(t, "[]"):
		elem := classifyType(lang, strings.TrimSuffix(t, "[]"))
		info.kind, info.elem = kindArray, &elem
		return info
	case isC && strings.HasSuffix(t, "*"):
		elem := classifyType(lang, strings.TrimSuffix(t, "*"))
		info.kind, info.elem = kindArray, &elem
		return info
	}
	if m := genericElem.FindStringSubmatch(t); m != nil {
		elem := classifyType(lang, m[1])
		info.kind, info.elem = kindArray, &elem
		return info
	}
	if t == "list" {
		info.kind = kindArray
		return info
	}

	switch strings.TrimPrefix(t, "std::") {
	case "int", "long", "short", "long long", "unsigned", "unsigned int", "unsigned long", "size_t",
		"Integer", "Long", "Short", "byte", "Byte", "int64_t", "int32_t":
		info.kind = kindInt
	case "float", "double", "long double", "Float", "Double":
		info.kind = kindFloat
	case "bool", "boolean", "Boolean", "_Bool":
		info.kind = kindBool
	case "string", "String", "str", "CharSequence":
		info.kind = kindString
	case "char", "Character":
		info.kind = kindChar
	}
	return info
}

func schemaFor(info typeInfo) map[string]any {
	switch info.kind {
	case kindInt:
		return map[string]any{"type": "integer"}
	case kindFloat:
		return map[string]any{"type": "number"}
	case kindBool:
		return map[string]any{"type": "boolean"}
	case kindString:
		return map[string]any{"type": "string"}
	case kindChar:
		return map[string]any{"type": "string", "minLength": 1, "maxLength": 1}
	case kindArray:
		schema := map[string]any{"type": "array"}
		if info.elem != nil && info.elem.kind != kindUnknown {
			schema["items"] = schemaFor(*info.elem)
		}
		return schema
	default:
		return map[string]any{}
	}
}

// compileArgumentSchema builds a draft-07 tuple schema from the signature.
func compileArgumentSchema(lang language.Language, sig Signature) (*jsonschema.Schema, error) {
	items := make([]any, 0, len(sig.Params))
	for _, p := range sig.Params {
		items = append(items, schemaFor(classifyType(lang, p.Type)))
	}
	doc := map[string]any{
		"$schema":  "http://json-schema.org/draft-07/schema#",
		"type":     "array",
		"items":    items,
		"minItems": len(items),
		"maxItems": len(items),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	url := "mem://harness/" + sig.Name + ".json"
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// charValue is a single character argument.
type charValue rune

// rawLiteral is copied verbatim into the generated program.
type rawLiteral string

var stringCharInput = regexp.MustCompile(`^(.*\S)\s+(\S)$`)

// ParseArguments turns test case input into argument values. A JSON array is
// validated against the signature; anything else goes through the plain
// text conventions: "<string> <char>", comma separated values, or
// whitespace separated values when the signature says how many to expect.
func ParseArguments(lang language.Language, sig Signature, input string, schema *jsonschema.Schema) ([]any, error) {
	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "[") {
		decoder := json.NewDecoder(strings.NewReader(trimmed))
		decoder.UseNumber()
		var values []any
		if err := decoder.Decode(&values); err == nil {
			if schema == nil {
				return values, nil
			}
			var doc any
			_ = json.Unmarshal([]byte(trimmed), &doc)
			err := schema.Validate(doc)
			if err == nil {
				return values, nil
			}
			// a bare array passed to a function taking a single array
			if len(sig.Params) == 1 && classifyType(lang, sig.Params[0].Type).kind == kindArray {
				if schema.Validate([]any{doc}) == nil {
					return []any{values}, nil
				}
			}
			return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
	}

	if trimmed == "" {
		if sig.Declared && len(sig.Params) == 0 {
			return nil, nil
		}
		return []any{""}, nil
	}

	types := make([]typeInfo, len(sig.Params))
	for i, p := range sig.Params {
		types[i] = classifyType(lang, p.Type)
	}

	if m := stringCharInput.FindStringSubmatch(trimmed); m != nil && !strings.Contains(trimmed, ",") {
		stringThenChar := !sig.Declared ||
			(len(types) == 2 && types[0].kind == kindString && types[1].kind == kindChar)
		if stringThenChar {
			return []any{unquote(m[1]), charValue([]rune(m[2])[0])}, nil
		}
	}

	var tokens []string
	if strings.Contains(trimmed, ",") || !sig.Declared {
		tokens = splitTopLevel(trimmed)
	} else {
		tokens = strings.Fields(trimmed)
	}
	if sig.Declared && len(tokens) != len(sig.Params) {
		return nil, fmt.Errorf("%w: %s expects %d arguments, input has %d", ErrInvalidArguments, sig.Name, len(sig.Params), len(tokens))
	}

	values := make([]any, len(tokens))
	for i, token := range tokens {
		token = strings.TrimSpace(token)
		var info typeInfo
		if i < len(types) {
			info = types[i]
		}
		values[i] = textValue(token, info)
	}
	return values, nil
}

func textValue(token string, info typeInfo) any {
	switch {
	case len(token) >= 2 && token[0] == '"' && token[len(token)-1] == '"':
		return unquote(token)
	case len(token) == 3 && token[0] == '\'' && token[2] == '\'':
		return charValue(token[1])
	case info.kind == kindString:
		return token
	case info.kind == kindChar && token != "":
		return charValue([]rune(token)[0])
	default:
		return rawLiteral(token)
	}
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		if v, err := strconv.Unquote(s); err == nil {
			return v
		}
		return s[1 : len(s)-1]
	}
	return s
}

// Harness wraps a function under test into a runnable program that calls it
// with one test input and prints the result.
type Harness struct {
	lang     language.Spec
	sig      Signature
	template string
	schema   *jsonschema.Schema
}

// NewHarness prepares a harness for a function-style question. It fails with
// ErrHarnessUnsupported when the question's language has no builder and the
// question carries no custom test template.
func NewHarness(question models.Question) (*Harness, error) {
	spec, err := language.Lookup(question.ProgrammingLanguage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHarnessUnsupported, err)
	}
	h := &Harness{lang: spec, template: question.TestTemplate}

	if strings.TrimSpace(question.FunctionSignature) != "" {
		sig, err := ParseSignature(spec.Tag, question.FunctionSignature)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHarnessUnsupported, err)
		}
		h.sig = sig
		schema, err := compileArgumentSchema(spec.Tag, sig)
		if err != nil {
			return nil, fmt.Errorf("%w: argument schema: %v", ErrHarnessUnsupported, err)
		}
		h.schema = schema
	}
	if name := strings.TrimSpace(question.FunctionName); name != "" {
		h.sig.Name = name
	}

	if strings.TrimSpace(h.template) != "" {
		return h, nil
	}
	if h.sig.Name == "" {
		return nil, fmt.Errorf("%w: question declares no function", ErrHarnessUnsupported)
	}
	switch spec.Tag {
	case language.Python, language.JavaScript, language.Java, language.C, language.CPP:
		return h, nil
	default:
		return nil, fmt.Errorf("%w: no harness builder for %s", ErrHarnessUnsupported, spec.DisplayName)
	}
}

// Language returns the harness language.
func (h *Harness) Language() language.Spec {
	return h.lang
}

// FunctionName returns the name of the function under test.
func (h *Harness) FunctionName() string {
	return h.sig.Name
}

// Build returns the program that runs code against input.
func (h *Harness) Build(code, input string) (string, error) {
	if strings.TrimSpace(h.template) != "" {
		return strings.NewReplacer(
			TemplateFunctionCode, code,
			TemplateInput, input,
			TemplateFunctionName, h.sig.Name,
		).Replace(h.template), nil
	}

	if _, err := ExtractFunction(h.lang.Tag, code, h.sig.Name); err != nil {
		return "", err
	}
	args, err := ParseArguments(h.lang.Tag, h.sig, input, h.schema)
	if err != nil {
		return "", err
	}

	switch h.lang.Tag {
	case language.Python:
		return h.buildPython(code, args)
	case language.JavaScript:
		return h.buildJavaScript(code, args)
	case language.Java:
		return h.buildJava(code, args)
	default:
		return h.buildC(code, args)
	}
}

func (h *Harness) paramType(i int) typeInfo {
	if i < len(h.sig.Params) {
		return classifyType(h.lang.Tag, h.sig.Params[i].Type)
	}
	return typeInfo{}
}

func (h *Harness) buildPython(code string, args []any) (string, error) {
	rendered := make([]string, len(args))
	for i, arg := range args {
		lit, err := pythonLiteral(arg)
		if err != nil {
			return "", err
		}
		rendered[i] = lit
	}

	var b strings.Builder
	b.WriteString(stripEntryPoint(language.Python, code))
	b.WriteString("\n\n\nif __name__ == \"__main__\":\n")
	fmt.Fprintf(&b, "    __gema_result = %s(%s)\n", h.sig.Name, strings.Join(rendered, ", "))
	b.WriteString("    if __gema_result is not None:\n        print(__gema_result)\n")
	return b.String(), nil
}

func pythonLiteral(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "None", nil
	case bool:
		if val {
			return "True", nil
		}
		return "False", nil
	case json.Number:
		return val.String(), nil
	case string:
		return strconv.Quote(val), nil
	case charValue:
		return strconv.Quote(string(val)), nil
	case rawLiteral:
		return string(val), nil
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			lit, err := pythonLiteral(item)
			if err != nil {
				return "", err
			}
			parts[i] = lit
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	case map[string]any:
		keys := sortedKeys(val)
		parts := make([]string, len(keys))
		for i, key := range keys {
			lit, err := pythonLiteral(val[key])
			if err != nil {
				return "", err
			}
			parts[i] = strconv.Quote(key) + ": " + lit
		}
		return "{" + strings.Join(parts, ", ") + "}", nil
	default:
		return "", fmt.Errorf("%w: unsupported value %T", ErrInvalidArguments, v)
	}
}

func (h *Harness) buildJavaScript(code string, args []any) (string, error) {
	rendered := make([]string, len(args))
	for i, arg := range args {
		lit, err := javaScriptLiteral(arg)
		if err != nil {
			return "", err
		}
		rendered[i] = lit
	}

	var b strings.Builder
	b.WriteString(code)
	fmt.Fprintf(&b, "\n\nconst __gemaResult = %s(%s);\n", h.sig.Name, strings.Join(rendered, ", "))
	b.WriteString("if (__gemaResult !== undefined) {\n")
	b.WriteString("  console.log(typeof __gemaResult === \"object\" && __gemaResult !== null ? JSON.stringify(__gemaResult) : __gemaResult);\n")
	b.WriteString("}\n")
	return b.String(), nil
}

func javaScriptLiteral(v any) (string, error) {
	switch val := v.(type) {
	case charValue:
		return javaScriptLiteral(string(val))
	case rawLiteral:
		return string(val), nil
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			lit, err := javaScriptLiteral(item)
			if err != nil {
				return "", err
			}
			parts[i] = lit
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
		return string(raw), nil
	}
}

var (
	javaClassHeader = regexp.MustCompile(`(?m)^\s*(?:public\s+|final\s+|abstract\s+)*class\s+\w+[^{]*\{`)
	javaImport      = regexp.MustCompile(`(?m)^\s*import\s+[\w.*]+\s*;\s*$`)
	javaPackage     = regexp.MustCompile(`(?m)^\s*package\s+[\w.]+\s*;\s*$`)
)

func (h *Harness) buildJava(code string, args []any) (string, error) {
	imports := javaImport.FindAllString(code, -1)
	body := javaPackage.ReplaceAllString(javaImport.ReplaceAllString(code, ""), "")
	if loc := javaClassHeader.FindStringIndex(body); loc != nil {
		end := matchPair(body, loc[1]-1, '{', '}')
		if end < 0 {
			return "", fmt.Errorf("%w: unbalanced braces in class body", ErrFunctionNotFound)
		}
		body = body[loc[1] : end-1]
	}
	body = stripEntryPoint(language.Java, body)

	rendered := make([]string, len(args))
	for i, arg := range args {
		lit, err := javaLiteral(h.paramType(i), arg)
		if err != nil {
			return "", err
		}
		rendered[i] = lit
	}
	call := fmt.Sprintf("solution.%s(%s)", h.sig.Name, strings.Join(rendered, ", "))

	ret := strings.TrimSpace(h.sig.ReturnType)
	var statement string
	switch {
	case ret == "void":
		statement = call + ";"
	case strings.HasSuffix(ret, "[][]"):
		statement = "System.out.println(java.util.Arrays.deepToString(" + call + "));"
	case strings.HasSuffix(ret, "[]"):
		statement = "System.out.println(java.util.Arrays.toString(" + call + "));"
	default:
		statement = "System.out.println(" + call + ");"
	}

	var b strings.Builder
	b.WriteString("import java.util.*;\nimport java.io.*;\n")
	for _, imp := range imports {
		b.WriteString(strings.TrimSpace(imp))
		b.WriteByte('\n')
	}
	b.WriteString("\npublic class Main {\n")
	b.WriteString(body)
	b.WriteString("\n\n    public static void main(String[] args) throws Exception {\n")
	b.WriteString("        Main solution = new Main();\n")
	b.WriteString("        " + statement + "\n")
	b.WriteString("    }\n}\n")
	return b.String(), nil
}

func javaLiteral(info typeInfo, v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "null", nil
	case bool:
		return strconv.FormatBool(val), nil
	case json.Number:
		lit := val.String()
		switch {
		case info.kind == kindFloat && !strings.ContainsAny(lit, ".eE"):
			return lit + ".0", nil
		case strings.EqualFold(info.raw, "long"):
			return lit + "L", nil
		}
		return lit, nil
	case string:
		if info.kind == kindChar && len([]rune(val)) == 1 {
			return charLiteral([]rune(val)[0]), nil
		}
		return cStyleQuote(val), nil
	case charValue:
		return charLiteral(rune(val)), nil
	case rawLiteral:
		return string(val), nil
	case []any:
		if strings.Contains(info.raw, "List") {
			elem := typeInfo{}
			if info.elem != nil {
				elem = *info.elem
			}
			parts, err := renderEach(val, func(item any) (string, error) { return javaLiteral(elem, item) })
			if err != nil {
				return "", err
			}
			return "new java.util.ArrayList<>(java.util.Arrays.asList(" + strings.Join(parts, ", ") + "))", nil
		}
		arrayType := info.raw
		if info.kind != kindArray {
			arrayType = inferArrayType(val, "int", "double", "String", "boolean") + "[]"
		}
		init, err := arrayInitializer(language.Java, classifyType(language.Java, arrayType), val)
		if err != nil {
			return "", err
		}
		return "new " + arrayType + init, nil
	default:
		return "", fmt.Errorf("%w: unsupported value %T", ErrInvalidArguments, v)
	}
}

// arrayInitializer renders {a, b, {c}} for a (possibly nested) array type.
func arrayInitializer(lang language.Language, info typeInfo, values []any) (string, error) {
	elem := typeInfo{}
	if info.elem != nil {
		elem = *info.elem
	}
	parts, err := renderEach(values, func(item any) (string, error) {
		if nested, ok := item.([]any); ok {
			return arrayInitializer(lang, elem, nested)
		}
		if lang == language.Java {
			return javaLiteral(elem, item)
		}
		return cScalar(lang, elem, item)
	})
	if err != nil {
		return "", err
	}
	return "{" + strings.Join(parts, ", ") + "}", nil
}

func (h *Harness) buildC(code string, args []any) (string, error) {
	isCPP := h.lang.Tag == language.CPP
	var decls []string
	exprs := make([]string, len(args))
	for i, arg := range args {
		decl, expr, err := cArgument(h.lang.Tag, h.paramType(i), arg, fmt.Sprintf("gema_arg%d", i))
		if err != nil {
			return "", err
		}
		if decl != "" {
			decls = append(decls, decl)
		}
		exprs[i] = expr
	}
	call := fmt.Sprintf("%s(%s)", h.sig.Name, strings.Join(exprs, ", "))

	var b strings.Builder
	if isCPP {
		b.WriteString("#include <iostream>\n#include <string>\n#include <vector>\n#include <cstring>\nusing namespace std;\n\n")
		b.WriteString(cppPrinters)
	} else {
		b.WriteString("#include <stdio.h>\n#include <stdlib.h>\n#include <string.h>\n#include <stdbool.h>\n\n")
	}
	b.WriteString(stripEntryPoint(h.lang.Tag, code))
	b.WriteString("\n\nint main(void) {\n")
	for _, decl := range decls {
		b.WriteString("    " + decl + "\n")
	}
	b.WriteString("    " + h.printStatement(call, isCPP) + "\n")
	b.WriteString("    return 0;\n}\n")
	return b.String(), nil
}

const cppPrinters = `template <typename T> static void gema_print(const T& value) { std::cout << value; }
static void gema_print(bool value) { std::cout << (value ? "true" : "false"); }
template <typename T> static void gema_print(const std::vector<T>& values) {
    std::cout << "[";
    for (size_t i = 0; i < values.size(); ++i) {
        if (i > 0) std::cout << ", ";
        gema_print(values[i]);
    }
    std::cout << "]";
}

`

func (h *Harness) printStatement(call string, isCPP bool) string {
	ret := classifyType(h.lang.Tag, h.sig.ReturnType)
	if strings.TrimSpace(h.sig.ReturnType) == "void" {
		return call + ";"
	}
	if isCPP {
		return "gema_print(" + call + "); std::cout << std::endl;"
	}
	switch ret.kind {
	case kindFloat:
		return `printf("%g\n", (double)(` + call + `));`
	case kindBool:
		return `printf("%s\n", (` + call + `) ? "true" : "false");`
	case kindChar:
		return `printf("%c\n", ` + call + `);`
	case kindString:
		return `printf("%s\n", ` + call + `);`
	default:
		return `printf("%lld\n", (long long)(` + call + `));`
	}
}

// cArgument returns an optional declaration and the expression passed to the
// function. Strings and arrays are declared as named locals so functions may
// modify them in place.
func cArgument(lang language.Language, info typeInfo, v any, name string) (string, string, error) {
	switch val := v.(type) {
	case string:
		if info.kind == kindChar && len([]rune(val)) == 1 {
			return "", charLiteral([]rune(val)[0]), nil
		}
		if lang == language.CPP && info.kind == kindString && !strings.Contains(info.raw, "char") {
			return "std::string " + name + " = " + cStyleQuote(val) + ";", name, nil
		}
		return "char " + name + "[] = " + cStyleQuote(val) + ";", name, nil
	case []any:
		if lang == language.CPP && strings.Contains(info.raw, "vector") {
			init, err := arrayInitializer(lang, info, val)
			if err != nil {
				return "", "", err
			}
			return strings.TrimSuffix(strings.TrimPrefix(info.raw, "const "), "&") + " " + name + " = " + init + ";", name, nil
		}
		elemType := ""
		if info.kind == kindArray && info.elem != nil && info.elem.raw != "" {
			elemType = info.elem.raw
		} else {
			elemType = inferArrayType(val, "int", "double", "const char*", cBoolType(lang))
		}
		if len(val) == 0 {
			return "static " + elemType + " " + name + "[1];", name, nil
		}
		elem := classifyType(lang, elemType)
		init, err := arrayInitializer(lang, typeInfo{kind: kindArray, raw: elemType + "[]", elem: &elem}, val)
		if err != nil {
			return "", "", err
		}
		return elemType + " " + name + "[] = " + init + ";", name, nil
	default:
		expr, err := cScalar(lang, info, v)
		return "", expr, err
	}
}

func cBoolType(lang language.Language) string {
	if lang == language.CPP {
		return "bool"
	}
	return "int"
}

func cScalar(lang language.Language, info typeInfo, v any) (string, error) {
	switch val := v.(type) {
	case nil:
		if lang == language.CPP {
			return "nullptr", nil
		}
		return "NULL", nil
	case bool:
		if lang == language.CPP {
			return strconv.FormatBool(val), nil
		}
		if val {
			return "1", nil
		}
		return "0", nil
	case json.Number:
		return val.String(), nil
	case string:
		if info.kind == kindChar && len([]rune(val)) == 1 {
			return charLiteral([]rune(val)[0]), nil
		}
		return cStyleQuote(val), nil
	case charValue:
		return charLiteral(rune(val)), nil
	case rawLiteral:
		return string(val), nil
	default:
		return "", fmt.Errorf("%w: unsupported value %T", ErrInvalidArguments, v)
	}
}

func renderEach(values []any, render func(any) (string, error)) ([]string, error) {
	parts := make([]string, len(values))
	for i, item := range values {
		lit, err := render(item)
		if err != nil {
			return nil, err
		}
		parts[i] = lit
	}
	return parts, nil
}

// inferArrayType picks an element type from the first scalar value.
func inferArrayType(values []any, intType, floatType, stringType, boolType string) string {
	for _, v := range values {
		switch val := v.(type) {
		case json.Number:
			if strings.ContainsAny(val.String(), ".eE") {
				return floatType
			}
			return intType
		case string:
			return stringType
		case bool:
			return boolType
		case []any:
			return inferArrayType(val, intType, floatType, stringType, boolType) + "[]"
		}
	}
	return intType
}

// cStyleQuote produces a string literal valid in C, C++ and Java.
func cStyleQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		b.WriteString(escapeRune(r, '"'))
	}
	b.WriteByte('"')
	return b.String()
}

func charLiteral(r rune) string {
	return "'" + escapeRune(r, '\'') + "'"
}

func escapeRune(r rune, quote rune) string {
	switch r {
	case '\\':
		return `\\`
	case '\n':
		return `\n`
	case '\t':
		return `\t`
	case '\r':
		return `\r`
	case 0:
		return `\0`
	case quote:
		return `\` + string(r)
	}
	return string(r)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

var (
	pythonMainGuard = regexp.MustCompile(`^if\s+__name__\s*==\s*['"]__main__['"]\s*:`)
	cMain           = regexp.MustCompile(`\bmain\s*\(`)
)

// ExtractFunction returns the definition of name in code. Python definitions
// end where indentation returns to the def line; brace languages end at the
// brace that closes the body.
func ExtractFunction(lang language.Language, code, name string) (string, error) {
	if name == "" {
		return code, nil
	}
	if lang == language.Python {
		lines := strings.Split(code, "\n")
		start, end := pythonBlock(lines, func(trimmed string) bool {
			return strings.HasPrefix(trimmed, "def "+name+"(") || strings.HasPrefix(trimmed, "def "+name+" (")
		})
		if start < 0 {
			return "", fmt.Errorf("%w: def %s", ErrFunctionNotFound, name)
		}
		return strings.Join(lines[start:end], "\n"), nil
	}

	if start, end, ok := braceFunction(code, name); ok {
		return code[start:end], nil
	}
	if lang == language.JavaScript {
		arrow := regexp.MustCompile(`(?m)^.*\b(?:const|let|var)\s+` + regexp.QuoteMeta(name) + `\s*=.*$`)
		if line := arrow.FindString(code); line != "" {
			return line, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
}

// pythonBlock locates the first top-level-or-nested block whose header line
// satisfies match and returns its line range.
func pythonBlock(lines []string, match func(trimmed string) bool) (int, int) {
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !match(trimmed) {
			continue
		}
		indent := indentOf(line)
		end := i + 1
		for end < len(lines) {
			next := lines[end]
			if strings.TrimSpace(next) != "" && indentOf(next) <= indent {
				break
			}
			end++
		}
		for end > i+1 && strings.TrimSpace(lines[end-1]) == "" {
			end--
		}
		return i, end
	}
	return -1, -1
}

func indentOf(line string) int {
	n := 0
	for _, r := range line {
		switch r {
		case ' ':
			n++
		case '\t':
			n += 4
		default:
			return n
		}
	}
	return n
}

// stripEntryPoint removes the program's own entry point so the harness can
// provide one.
func stripEntryPoint(lang language.Language, code string) string {
	switch lang {
	case language.Python:
		lines := strings.Split(code, "\n")
		start, end := pythonBlock(lines, func(trimmed string) bool { return pythonMainGuard.MatchString(trimmed) })
		if start < 0 || indentOf(lines[start]) != 0 {
			return code
		}
		return strings.Join(append(lines[:start:start], lines[end:]...), "\n")
	case language.C, language.CPP, language.Java:
		if !cMain.MatchString(code) {
			return code
		}
		if start, end, ok := braceFunction(code, "main"); ok {
			return code[:start] + code[end:]
		}
	}
	return code
}

// braceFunction finds the definition (not a call or prototype) of name.
func braceFunction(code, name string) (int, int, bool) {
	pattern := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\s*\(`)
	for _, loc := range pattern.FindAllStringIndex(code, -1) {
		closing := matchPair(code, loc[1]-1, '(', ')')
		if closing < 0 {
			continue
		}
		j := closing
		for j < len(code) && (isSpace(code[j]) || isIdentByte(code[j]) || code[j] == ',' || code[j] == '.') {
			j++
		}
		if j >= len(code) || code[j] != '{' {
			continue
		}
		end := matchPair(code, j, '{', '}')
		if end < 0 {
			continue
		}
		start := strings.LastIndexByte(code[:loc[0]], '\n') + 1
		return start, end, true
	}
	return 0, 0, false
}

// matchPair returns the index just past the bracket closing the one at open,
// skipping string literals and comments, or -1.
func matchPair(code string, open int, openCh, closeCh byte) int {
	depth := 0
	for i := open; i < len(code); i++ {
		switch c := code[i]; {
		case c == '"' || c == '\'':
			i = skipQuoted(code, i)
		case c == '/' && i+1 < len(code) && code[i+1] == '/':
			nl := strings.IndexByte(code[i:], '\n')
			if nl < 0 {
				return -1
			}
			i += nl
		case c == '/' && i+1 < len(code) && code[i+1] == '*':
			end := strings.Index(code[i+2:], "*/")
			if end < 0 {
				return -1
			}
			i += end + 3
		case c == openCh:
			depth++
		case c == closeCh:
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

func skipQuoted(code string, start int) int {
	quote := code[start]
	for i := start + 1; i < len(code); i++ {
		switch code[i] {
		case '\\':
			i++
		case quote:
			return i
		case '\n':
			return i
		}
	}
	return len(code) - 1
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
