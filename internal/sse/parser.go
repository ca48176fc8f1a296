package sse

import "strings"

// Frame is one complete server-sent event: an event type and its payload.
type Frame struct {
	Event string
	Data  string
}

// Parser assembles complete frames out of arbitrarily chunked stream text.
// A frame is terminated by a blank line; within a frame the last "event:"
// and "data:" lines win. Anything left unterminated when the stream ends
// is discarded, never emitted as a partial frame.
type Parser struct {
	pending string
	event   string
	data    string
	dataSet bool
}

// Feed consumes the next chunk and returns every frame it completed, in
// wire order. A chunk may complete zero frames (mid-line or mid-frame) or
// several.
func (p *Parser) Feed(chunk string) []Frame {
	p.pending += chunk

	var out []Frame
	for {
		nl := strings.IndexByte(p.pending, '\n')
		if nl < 0 {
			break
		}
		line := strings.TrimSuffix(p.pending[:nl], "\r")
		p.pending = p.pending[nl+1:]

		if line == "" {
			if p.event != "" || p.dataSet {
				out = append(out, Frame{Event: p.event, Data: p.data})
			}
			p.event, p.data, p.dataSet = "", "", false
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			p.event = strings.TrimPrefix(strings.TrimPrefix(line, "event:"), " ")
		case strings.HasPrefix(line, "data:"):
			p.data = strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			p.dataSet = true
		}
		// id:, retry: and comment lines are not part of the contract; skip.
	}
	return out
}

// Flush drops any buffered partial frame. Call once at end of stream.
func (p *Parser) Flush() {
	p.pending = ""
	p.event = ""
	p.data = ""
	p.dataSet = false
}
