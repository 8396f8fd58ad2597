package lineparser

import "testing"

func feedAll(p *Parser, chunks ...string) []Line {
	var lines []Line
	for _, c := range chunks {
		lines = p.Feed([]byte(c), lines)
	}
	return lines
}

func TestBoundaryContinuedOnMaxLine(t *testing.T) {
	p := New(3)
	lines := feedAll(p, "abc")
	if len(lines) != 1 || lines[0].Class != Continued || lines[0].Text != "abc" {
		t.Fatalf("got %+v, want one class-c line %q", lines, "abc")
	}
}

func TestBoundaryCRLF(t *testing.T) {
	p := New(160)
	lines := feedAll(p, "ab\r\n")
	if len(lines) != 1 || lines[0].Class != Newline || lines[0].Text != "ab" {
		t.Fatalf("got %+v, want one class-n line %q", lines, "ab")
	}
}

func TestBoundaryBareCRThenNewline(t *testing.T) {
	p := New(160)
	lines := feedAll(p, "ab\rcd\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %+v", len(lines), lines)
	}
	if lines[0].Class != CR || lines[0].Text != "ab" {
		t.Fatalf("line 0 = %+v, want class-r %q", lines[0], "ab")
	}
	if lines[1].Class != Newline || lines[1].Text != "cd" {
		t.Fatalf("line 1 = %+v, want class-n %q", lines[1], "cd")
	}
}

func TestCRLFSplitAcrossFeeds(t *testing.T) {
	p := New(160)
	lines := feedAll(p, "ab\r", "\n")
	if len(lines) != 1 || lines[0].Class != Newline || lines[0].Text != "ab" {
		t.Fatalf("got %+v, want one class-n line %q across a feed boundary", lines, "ab")
	}
}

func TestBareCRAtEndOfFeedThenNonNewline(t *testing.T) {
	p := New(160)
	lines := feedAll(p, "ab\r", "cd")
	if len(lines) != 1 || lines[0].Class != CR || lines[0].Text != "ab" {
		t.Fatalf("got %+v, want one class-r line %q", lines, "ab")
	}
	// "cd" is still buffered; flush should surface it as continued.
	lines = p.Flush(nil)
	if len(lines) != 1 || lines[0].Class != Continued || lines[0].Text != "cd" {
		t.Fatalf("flush got %+v, want one class-c line %q", lines, "cd")
	}
}

func TestFlushEmitsPendingCR(t *testing.T) {
	p := New(160)
	_ = feedAll(p, "tail\r")
	lines := p.Flush(nil)
	if len(lines) != 1 || lines[0].Class != CR || lines[0].Text != "tail" {
		t.Fatalf("got %+v, want one class-r line %q on flush", lines, "tail")
	}
}

func TestFlushEmitsPartialLine(t *testing.T) {
	p := New(160)
	_ = feedAll(p, "no terminator yet")
	lines := p.Flush(nil)
	if len(lines) != 1 || lines[0].Class != Continued || lines[0].Text != "no terminator yet" {
		t.Fatalf("got %+v, want one class-c partial line", lines)
	}
}

func TestEmptyLinesAreEmitted(t *testing.T) {
	p := New(160)
	lines := feedAll(p, "\n\n")
	if len(lines) != 2 || lines[0].Text != "" || lines[1].Text != "" {
		t.Fatalf("got %+v, want two empty class-n lines", lines)
	}
}
