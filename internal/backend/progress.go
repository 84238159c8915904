// Package backend implements the storage backends behind the three
// destinations, plus in-memory implementations for tests.
package backend

import "io"

// progressReader reports transfer progress at 10% steps as the wrapped
// reader is consumed. It deliberately does not implement io.Seeker so
// the AWS upload manager streams it in order instead of re-reading
// parts concurrently.
type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	lastStep int
	report   func(percent int)
}

func newProgressReader(r io.Reader, total int64, report func(percent int)) *progressReader {
	return &progressReader{r: r, total: total, report: report}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.read += int64(n)

	if p.total > 0 && p.report != nil {
		step := int(p.read * 10 / p.total)
		if step > p.lastStep {
			p.lastStep = step
			p.report(step * 10)
		}
	}
	return n, err
}
