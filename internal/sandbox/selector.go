package sandbox

import "strings"

// Default images for the runtime heuristic. Overridable via config for
// air-gapped registries; these are the values the heuristic falls back to.
var (
	ImagePython  = "python:3.12-slim"
	ImageNode    = "node:20-slim"
	ImageGCC     = "gcc:13"
	ImageJDK     = "eclipse-temurin:21-jdk"
	ImageDotnet  = "mcr.microsoft.com/dotnet/sdk:8.0"
	ImageMinimal = "alpine:3.19"
)

// heuristic is an ordered list of (substrings, image) rules. Order is
// significant: the first matching rule wins, matching the priority order
// spec'd for the runtime heuristic.
var heuristic = []struct {
	substrings []string
	image      *string
}{
	{[]string{"python", "py "}, &ImagePython},
	{[]string{"node", "npm"}, &ImageNode},
	{[]string{"g++", "gcc"}, &ImageGCC},
	{[]string{"java", "javac"}, &ImageJDK},
	{[]string{"dotnet"}, &ImageDotnet},
}

// RuntimeSelector chooses a container image for command by substring match,
// in priority order, falling back to a minimal Linux image. Callers that
// already know the image (Job.ContainerImage override) should not call
// this at all.
func RuntimeSelector(command string) string {
	lower := strings.ToLower(command)
	for _, rule := range heuristic {
		for _, needle := range rule.substrings {
			if strings.Contains(lower, needle) {
				return *rule.image
			}
		}
	}
	return ImageMinimal
}
