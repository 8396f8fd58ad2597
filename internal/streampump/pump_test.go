package streampump

import (
	"io"
	"testing"
	"time"

	"github.com/silverwing-labs/raptord/internal/lineparser"
)

func TestPumpDeliversCompleteLines(t *testing.T) {
	r, w := io.Pipe()
	type rec struct {
		class lineparser.Class
		text  string
	}
	got := make(chan rec, 8)
	p := New(r, 0, func(class lineparser.Class, text string) {
		got <- rec{class, text}
	})

	go func() {
		w.Write([]byte("one\ntwo\n"))
		w.Close()
	}()

	want := []string{"one", "two"}
	for _, wantText := range want {
		select {
		case r := <-got:
			if r.text != wantText || r.class != lineparser.Newline {
				t.Fatalf("got %+v, want newline %q", r, wantText)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for line %q", wantText)
		}
	}

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not finish after writer closed")
	}
}

func TestPumpFlushesPartialLineOnEOF(t *testing.T) {
	r, w := io.Pipe()
	got := make(chan string, 1)
	_ = New(r, 0, func(class lineparser.Class, text string) {
		if class == lineparser.Continued {
			got <- text
		}
	})

	go func() {
		w.Write([]byte("no terminator"))
		w.Close()
	}()

	select {
	case text := <-got:
		if text != "no terminator" {
			t.Fatalf("got %q, want %q", text, "no terminator")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flushed partial line")
	}
}
