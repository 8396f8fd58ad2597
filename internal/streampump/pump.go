// Package streampump copies bytes from a child process's file descriptor
// into a sink, one parsed line at a time, without ever blocking the
// supervisor. Each pump owns exactly one reader and runs on its own
// goroutine; when the reader reports EOF or an error, the pump flushes any
// buffered partial line as a continued ("c"-class) record and ends. Stop
// waits for that to happen; it does not cancel a pending read.
package streampump

import (
	"io"
	"sync"

	"github.com/silverwing-labs/raptord/internal/lineparser"
)

// Sink receives each completed line as it is parsed.
type Sink func(class lineparser.Class, text string)

// Pump reads from a single fd and feeds Sink.
type Pump struct {
	r    io.Reader
	sink Sink
	p    *lineparser.Parser

	once sync.Once
	done chan struct{}
}

// New starts a pump reading from r and delivering parsed lines to sink.
// maxLine <= 0 selects lineparser.DefaultMaxLine. The pump runs until r
// returns an error/EOF.
func New(r io.Reader, maxLine int, sink Sink) *Pump {
	p := &Pump{
		r:    r,
		sink: sink,
		p:    lineparser.New(maxLine),
		done: make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Pump) run() {
	defer close(p.done)
	buf := make([]byte, 4096)
	var lines []lineparser.Line
	for {
		n, err := p.r.Read(buf)
		if n > 0 {
			lines = p.p.Feed(buf[:n], lines[:0])
			for _, l := range lines {
				p.sink(l.Class, l.Text)
			}
		}
		if err != nil {
			lines = p.p.Flush(lines[:0])
			for _, l := range lines {
				p.sink(l.Class, l.Text)
			}
			return
		}
	}
}

// Stop waits for the read loop to observe EOF/error on its own; it does
// not interrupt a pending Read. For a service's PTY master the read ends
// once the child side of the terminal is closed; the owning Service closes
// the master only after Stop returns. Stop is idempotent.
func (p *Pump) Stop() {
	p.once.Do(func() {})
	<-p.done
}

// Done reports whether the pump's read loop has exited.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}
