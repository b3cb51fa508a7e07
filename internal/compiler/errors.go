package compiler

import (
	"fmt"
	"strings"
)

// Stage names where a build can fail.
const (
	StageDetect    = "detect"
	StageQueue     = "queue"
	StageScaffold  = "scaffold"
	StageToolchain = "toolchain"
	StageLocate    = "locate"
	StageCopy      = "copy"
)

// excerptLines is how much of the toolchain log a BuildError keeps.
const excerptLines = 40

// BuildError reports a failed build. No artifact exists at the destination
// when a BuildError is returned.
type BuildError struct {
	Skill    string
	Stage    string
	ExitCode int // -1 when the toolchain did not run or was killed
	Log      string
	Err      error
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("build %s failed at %s: %v", e.Skill, e.Stage, e.Err)
	if e.Log != "" {
		msg += "\n" + e.Log
	}
	return msg
}

func (e *BuildError) Unwrap() error { return e.Err }

// Excerpt returns the tail of a toolchain log.
func Excerpt(log []byte) string {
	text := strings.TrimRight(string(log), "\n")
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	if len(lines) > excerptLines {
		lines = append([]string{fmt.Sprintf("... (%d earlier lines)", len(lines)-excerptLines)},
			lines[len(lines)-excerptLines:]...)
	}
	return strings.Join(lines, "\n")
}
