package grading

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-autograder/internal/models"
	"github.com/noah-isme/gema-autograder/pkg/language"
)

func TestParseSignature(t *testing.T) {
	cases := []struct {
		name   string
		lang   language.Language
		text   string
		fn     string
		ret    string
		params []Param
	}{
		{
			name: "c array", lang: language.C, text: "int sum(int a[], int n)",
			fn: "sum", ret: "int", params: []Param{{Name: "a", Type: "int[]"}, {Name: "n", Type: "int"}},
		},
		{
			name: "c pointer return", lang: language.C, text: "char *reverse(char *s)",
			fn: "reverse", ret: "char*", params: []Param{{Name: "s", Type: "char*"}},
		},
		{
			name: "java modifiers", lang: language.Java, text: "public static int[] twice(int[] xs)",
			fn: "twice", ret: "int[]", params: []Param{{Name: "xs", Type: "int[]"}},
		},
		{
			name: "cpp generic", lang: language.CPP, text: "long total(const vector<int>& xs, int limit)",
			fn: "total", ret: "long", params: []Param{{Name: "xs", Type: "const vector<int>&"}, {Name: "limit", Type: "int"}},
		},
		{
			name: "python annotated", lang: language.Python, text: "def count(s: str, c: str) -> int:",
			fn: "count", ret: "int", params: []Param{{Name: "s", Type: "str"}, {Name: "c", Type: "str"}},
		},
		{
			name: "javascript default", lang: language.JavaScript, text: "function add(a, b = 0)",
			fn: "add", params: []Param{{Name: "a"}, {Name: "b"}},
		},
		{
			name: "void params", lang: language.C, text: "int answer(void)",
			fn: "answer", ret: "int", params: []Param{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig, err := ParseSignature(tc.lang, tc.text)
			require.NoError(t, err)
			require.True(t, sig.Declared)
			require.Equal(t, tc.fn, sig.Name)
			require.Equal(t, tc.ret, sig.ReturnType)
			require.Equal(t, tc.params, sig.Params)
		})
	}
}

func TestParseSignatureRejectsGarbage(t *testing.T) {
	for _, text := range []string{"int sum", "sum(int a)", "def (x):", "int sum(int a"} {
		lang := language.C
		if strings.HasPrefix(text, "def") {
			lang = language.Python
		}
		_, err := ParseSignature(lang, text)
		require.ErrorIs(t, err, ErrInvalidSignature, text)
	}
}

func mustSignature(t *testing.T, lang language.Language, text string) (Signature, *Harness) {
	t.Helper()
	sig, err := ParseSignature(lang, text)
	require.NoError(t, err)
	schema, err := compileArgumentSchema(lang, sig)
	require.NoError(t, err)
	return sig, &Harness{sig: sig, schema: schema}
}

func TestParseArgumentsStringAndChar(t *testing.T) {
	sig, h := mustSignature(t, language.C, "int count(char *s, char c)")

	args, err := ParseArguments(language.C, sig, `hello world l`, h.schema)
	require.NoError(t, err)
	require.Equal(t, []any{"hello world", charValue('l')}, args)
}

func TestParseArgumentsPlainText(t *testing.T) {
	sig, h := mustSignature(t, language.C, "int add(int a, int b)")

	args, err := ParseArguments(language.C, sig, "3, 4", h.schema)
	require.NoError(t, err)
	require.Equal(t, []any{rawLiteral("3"), rawLiteral("4")}, args)

	args, err = ParseArguments(language.C, sig, "3 4", h.schema)
	require.NoError(t, err)
	require.Equal(t, []any{rawLiteral("3"), rawLiteral("4")}, args)

	_, err = ParseArguments(language.C, sig, "1 2 3", h.schema)
	require.ErrorIs(t, err, ErrInvalidArguments)
}

func TestParseArgumentsJSON(t *testing.T) {
	sig, h := mustSignature(t, language.Python, "def total(xs: list[int], scale: int) -> int:")

	args, err := ParseArguments(language.Python, sig, `[[1, 2, 3], 2]`, h.schema)
	require.NoError(t, err)
	require.Equal(t, []any{[]any{json.Number("1"), json.Number("2"), json.Number("3")}, json.Number("2")}, args)

	_, err = ParseArguments(language.Python, sig, `[["a"], 2]`, h.schema)
	require.ErrorIs(t, err, ErrInvalidArguments)
}

func TestParseArgumentsWrapsBareArray(t *testing.T) {
	sig, h := mustSignature(t, language.Python, "def total(xs: list[int]) -> int:")

	args, err := ParseArguments(language.Python, sig, `[1, 2, 3]`, h.schema)
	require.NoError(t, err)
	require.Equal(t, []any{[]any{json.Number("1"), json.Number("2"), json.Number("3")}}, args)
}

func TestParseArgumentsEmptyInput(t *testing.T) {
	sig, h := mustSignature(t, language.Python, "def answer():")
	args, err := ParseArguments(language.Python, sig, "", h.schema)
	require.NoError(t, err)
	require.Empty(t, args)
}

func TestHarnessBuildsPython(t *testing.T) {
	harness, err := NewHarness(models.Question{ProgrammingLanguage: "python", FunctionSignature: "def add(a, b):"})
	require.NoError(t, err)

	code := "def add(a, b):\n    return a + b\n\nif __name__ == \"__main__\":\n    print(add(1, 2))\n"
	program, err := harness.Build(code, "2, 3")
	require.NoError(t, err)
	require.Contains(t, program, "return a + b")
	require.Contains(t, program, "__gema_result = add(2, 3)")
	require.NotContains(t, program, "print(add(1, 2))")
}

func TestHarnessBuildsC(t *testing.T) {
	harness, err := NewHarness(models.Question{ProgrammingLanguage: "c", FunctionSignature: "int add(int a, int b)"})
	require.NoError(t, err)

	code := "int add(int a, int b) { return a + b; }\nint main() { printf(\"%d\", add(1, 2)); return 0; }\n"
	program, err := harness.Build(code, "4 5")
	require.NoError(t, err)
	require.Contains(t, program, "#include <stdio.h>")
	require.Contains(t, program, `printf("%lld\n", (long long)(add(4, 5)));`)
	require.Equal(t, 1, strings.Count(program, "main("))
}

func TestHarnessBuildsCPPVector(t *testing.T) {
	harness, err := NewHarness(models.Question{ProgrammingLanguage: "cpp", FunctionSignature: "int total(vector<int> xs)"})
	require.NoError(t, err)

	program, err := harness.Build("int total(vector<int> xs) { int s = 0; for (int x : xs) s += x; return s; }", "[1, 2, 3]")
	require.NoError(t, err)
	require.Contains(t, program, "vector<int> gema_arg0 = {1, 2, 3};")
	require.Contains(t, program, "gema_print(total(gema_arg0));")
}

func TestHarnessBuildsJava(t *testing.T) {
	harness, err := NewHarness(models.Question{ProgrammingLanguage: "java", FunctionSignature: "public int add(int a, int b)"})
	require.NoError(t, err)

	code := "import java.util.List;\n\npublic class Solution {\n    public int add(int a, int b) { return a + b; }\n}\n"
	program, err := harness.Build(code, "1 2")
	require.NoError(t, err)
	require.Contains(t, program, "public class Main {")
	require.Contains(t, program, "import java.util.List;")
	require.Contains(t, program, "System.out.println(solution.add(1, 2));")
	require.NotContains(t, program, "class Solution")
}

func TestHarnessBuildsJavaScriptArrow(t *testing.T) {
	harness, err := NewHarness(models.Question{ProgrammingLanguage: "javascript", FunctionName: "add", FunctionSignature: "function add(a, b)"})
	require.NoError(t, err)

	program, err := harness.Build("const add = (a, b) => a + b;", "[1, 2]")
	require.NoError(t, err)
	require.Contains(t, program, "const __gemaResult = add(1, 2);")
}

func TestHarnessReportsMissingFunction(t *testing.T) {
	harness, err := NewHarness(models.Question{ProgrammingLanguage: "python", FunctionName: "solve"})
	require.NoError(t, err)

	_, err = harness.Build("def other():\n    return 1\n", "")
	require.ErrorIs(t, err, ErrFunctionNotFound)
}

func TestHarnessUnsupportedLanguage(t *testing.T) {
	_, err := NewHarness(models.Question{ProgrammingLanguage: "go", FunctionName: "Add"})
	require.ErrorIs(t, err, ErrHarnessUnsupported)

	_, err = NewHarness(models.Question{ProgrammingLanguage: "python"})
	require.ErrorIs(t, err, ErrHarnessUnsupported)
}

func TestHarnessTemplate(t *testing.T) {
	harness, err := NewHarness(models.Question{
		ProgrammingLanguage: "go",
		FunctionName:        "Add",
		TestTemplate:        "package main\n\nimport \"fmt\"\n\n{{FUNCTION_CODE}}\n\nfunc main() { fmt.Println({{FUNCTION_NAME}}({{INPUT}})) }\n",
	})
	require.NoError(t, err)

	program, err := harness.Build("func Add(a, b int) int { return a + b }", "1, 2")
	require.NoError(t, err)
	require.Contains(t, program, "func Add(a, b int) int { return a + b }")
	require.Contains(t, program, "fmt.Println(Add(1, 2))")
}

func TestExtractFunction(t *testing.T) {
	code := "def helper():\n    return 1\n\ndef solve(x):\n    if x:\n        return helper()\n    return 0\n\nprint(solve(1))\n"
	fn, err := ExtractFunction(language.Python, code, "solve")
	require.NoError(t, err)
	require.Equal(t, "def solve(x):\n    if x:\n        return helper()\n    return 0", fn)

	cCode := "int twice(int x);\nint twice(int x) {\n    /* } */\n    return x * 2;\n}\n"
	fn, err = ExtractFunction(language.C, cCode, "twice")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(fn, "int twice(int x) {"))
	require.True(t, strings.HasSuffix(fn, "}"))

	_, err = ExtractFunction(language.C, cCode, "missing")
	require.ErrorIs(t, err, ErrFunctionNotFound)
}
