// Package diff renders line-level unified diffs of skill sources so reviewers
// see what a change does relative to the version that is running.
package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DefaultContext is the number of unchanged lines kept around each change.
const DefaultContext = 3

// LineType marks a line as kept, added or removed.
type LineType int

const (
	LineContext LineType = iota
	LineAdded
	LineRemoved
)

func (t LineType) prefix() byte {
	switch t {
	case LineAdded:
		return '+'
	case LineRemoved:
		return '-'
	default:
		return ' '
	}
}

// Line is one line of a hunk.
type Line struct {
	Type    LineType
	Content string
}

// Hunk is a run of changes with surrounding context. Starts are 1-based
// except on a side with no lines, where the start is the preceding line.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// FileDiff is the difference between two versions of one source file.
type FileDiff struct {
	OldName string
	NewName string
	Hunks   []Hunk
	Added   int
	Removed int
}

// Empty reports whether the two sides were identical.
func (d *FileDiff) Empty() bool { return len(d.Hunks) == 0 }

// op is one line with the number of lines consumed on each side before it.
type op struct {
	typ     LineType
	oldPos  int
	newPos  int
	content string
}

// Compute diffs oldSrc against newSrc line by line.
func Compute(oldName, newName, oldSrc, newSrc string, context int) *FileDiff {
	if context < 0 {
		context = DefaultContext
	}
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0

	a, b, lines := dmp.DiffLinesToChars(oldSrc, newSrc)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	ops := toOps(diffs)
	fd := &FileDiff{OldName: oldName, NewName: newName}
	for _, o := range ops {
		switch o.typ {
		case LineAdded:
			fd.Added++
		case LineRemoved:
			fd.Removed++
		}
	}
	fd.Hunks = group(ops, context)
	return fd
}

func toOps(diffs []diffmatchpatch.Diff) []op {
	var ops []op
	oldPos, newPos := 0, 0
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		for _, l := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			o := op{oldPos: oldPos, newPos: newPos, content: l}
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				o.typ = LineContext
				oldPos++
				newPos++
			case diffmatchpatch.DiffDelete:
				o.typ = LineRemoved
				oldPos++
			case diffmatchpatch.DiffInsert:
				o.typ = LineAdded
				newPos++
			}
			ops = append(ops, o)
		}
	}
	return ops
}

// group splits ops into hunks. Two changes closer than 2*context lines share
// a hunk.
func group(ops []op, context int) []Hunk {
	var hunks []Hunk
	i := 0
	for i < len(ops) {
		for i < len(ops) && ops[i].typ == LineContext {
			i++
		}
		if i == len(ops) {
			break
		}
		start := max(i-context, 0)

		end := i
		for {
			for end < len(ops) && ops[end].typ != LineContext {
				end++
			}
			next := end
			for next < len(ops) && ops[next].typ == LineContext {
				next++
			}
			if next == len(ops) || next-end > 2*context {
				break
			}
			end = next
		}
		stop := min(end+context, len(ops))

		hunks = append(hunks, makeHunk(ops[start:stop]))
		i = stop
	}
	return hunks
}

func makeHunk(ops []op) Hunk {
	h := Hunk{Lines: make([]Line, 0, len(ops))}
	for _, o := range ops {
		h.Lines = append(h.Lines, Line{Type: o.typ, Content: o.content})
		if o.typ != LineAdded {
			h.OldCount++
		}
		if o.typ != LineRemoved {
			h.NewCount++
		}
	}
	// An empty side is anchored at the line before the hunk.
	h.OldStart, h.NewStart = ops[0].oldPos, ops[0].newPos
	if h.OldCount > 0 {
		h.OldStart++
	}
	if h.NewCount > 0 {
		h.NewStart++
	}
	return h
}

// String renders d in unified diff format. An empty diff renders as "".
func (d *FileDiff) String() string {
	if d.Empty() {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", d.OldName, d.NewName)
	for _, h := range d.Hunks {
		fmt.Fprintf(&b, "@@ -%s +%s @@\n", span(h.OldStart, h.OldCount), span(h.NewStart, h.NewCount))
		for _, l := range h.Lines {
			b.WriteByte(l.Type.prefix())
			b.WriteString(l.Content)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func span(start, count int) string {
	if count == 1 {
		return fmt.Sprint(start)
	}
	return fmt.Sprintf("%d,%d", start, count)
}

// Unified is Compute with the default context, rendered.
func Unified(oldName, newName, oldSrc, newSrc string) string {
	return Compute(oldName, newName, oldSrc, newSrc, DefaultContext).String()
}
