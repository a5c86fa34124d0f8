package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuntimeSelectorMatchesBySubstring(t *testing.T) {
	cases := []struct {
		command string
		want    string
	}{
		{"python3 train.py", ImagePython},
		{"PYTHON script.py", ImagePython},
		{"npm run build", ImageNode},
		{"node index.js", ImageNode},
		{"g++ -o out main.cpp", ImageGCC},
		{"gcc -o out main.c", ImageGCC},
		{"javac Main.java && java Main", ImageJDK},
		{"dotnet run", ImageDotnet},
		{"echo hello world", ImageMinimal},
		{"./run-binary --flag", ImageMinimal},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, RuntimeSelector(c.command), "command: %s", c.command)
	}
}

func TestRuntimeSelectorPrefersEarlierRuleOnAmbiguousCommand(t *testing.T) {
	// Contains both "python" and "node" substrings; python's rule comes first.
	got := RuntimeSelector("python script.py && node helper.js")
	assert.Equal(t, ImagePython, got)
}
