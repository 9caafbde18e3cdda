// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package executor

// cappedBuffer keeps the first limit bytes written and counts the
// total. Used for json-small / json-large capture, where exceeding
// the ceiling is a hard error rather than a truncation.
type cappedBuffer struct {
	limit int
	data  []byte
	total int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.total += len(p)
	if remaining := b.limit - len(b.data); remaining > 0 {
		if len(p) > remaining {
			p = p[:remaining]
		}
		b.data = append(b.data, p...)
	}
	return len(p), nil
}

func (b *cappedBuffer) overflowed() bool { return b.total > b.limit }

// tailBuffer keeps the last limit bytes written. Used for log-tail
// capture and for stderr tails on execution errors.
type tailBuffer struct {
	limit     int
	data      []byte
	truncated bool
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	written := len(p)
	if len(p) >= b.limit {
		if len(b.data) > 0 || len(p) > b.limit {
			b.truncated = true
		}
		b.data = append(b.data[:0], p[len(p)-b.limit:]...)
		return written, nil
	}
	overflow := len(b.data) + len(p) - b.limit
	if overflow > 0 {
		b.data = b.data[overflow:]
		b.truncated = true
	}
	b.data = append(b.data, p...)
	return written, nil
}

func (b *tailBuffer) String() string {
	if b.truncated {
		return "...(truncated)\n" + string(b.data)
	}
	return string(b.data)
}
