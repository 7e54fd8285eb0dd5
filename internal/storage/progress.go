package storage

import (
	"io"
	"sync"
	"time"
)

// progressReporter counts transferred bytes and fires its callback at most
// once per interval, plus once when the total is reached.
type progressReporter struct {
	total    int64
	done     int64
	interval time.Duration
	cb       func(done, total int64)
	mu       sync.Mutex
	lastFire time.Time
}

func newProgressReporter(total int64, interval time.Duration, cb func(done, total int64)) *progressReporter {
	if cb == nil {
		return nil
	}
	return &progressReporter{
		total:    total,
		interval: interval,
		cb:       cb,
	}
}

func (p *progressReporter) Write(b []byte) (int, error) {
	p.add(int64(len(b)))
	return len(b), nil
}

func (p *progressReporter) add(n int64) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done += n
	now := time.Now()
	if now.Sub(p.lastFire) >= p.interval || p.done == p.total {
		p.lastFire = now
		p.cb(p.done, p.total)
	}
}

func (p *progressReporter) report(done int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = done
	p.lastFire = time.Now()
	p.cb(p.done, p.total)
}

func (p *progressReporter) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb(p.done, p.total)
}

// progressWriterAt feeds concurrent ranged writes into a reporter.
type progressWriterAt struct {
	w        io.WriterAt
	reporter *progressReporter
}

func (p *progressWriterAt) WriteAt(b []byte, off int64) (int, error) {
	n, err := p.w.WriteAt(b, off)
	p.reporter.add(int64(n))
	return n, err
}
