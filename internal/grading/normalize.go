// Package grading turns sandboxed executions into test results, question
// scores and submission outcomes.
package grading

import "strings"

var lineEndings = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// NormalizeOutput unifies line endings, trims trailing whitespace on every
// line and drops trailing blank lines. Leading and internal spacing is kept.
func NormalizeOutput(output string) string {
	lines := strings.Split(lineEndings.Replace(output), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\f\v")
	}
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[:end], "\n")
}

// OutputsMatch compares program output with the expected output after
// normalizing both.
func OutputsMatch(actual, expected string) bool {
	return NormalizeOutput(actual) == NormalizeOutput(expected)
}

var inputEscapes = strings.NewReplacer(`\"`, `"`, `\\`, `\`, `\n`, "\n", `\t`, "\t")

// DecodeInput turns test input that was stored as an escaped single line,
// such as "5\n3 1 4", into the stdin the program should see. Input that
// already contains real newlines is passed through untouched.
func DecodeInput(input string) string {
	if strings.Contains(input, "\n") {
		return input
	}
	if len(input) > 1 && strings.HasPrefix(input, `"`) && strings.HasSuffix(input, `"`) && strings.Contains(input, `\`) {
		input = input[1 : len(input)-1]
	}
	return inputEscapes.Replace(input)
}
