package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// maxFrameSize matches the gateway's response cap; completed frames carry
// whole agent results.
const maxFrameSize = 8 << 20

var errFrameTooLarge = errors.New("stream frame exceeds size limit")

// readFrames scans an event stream and hands every complete data payload to
// fn until fn returns false or the stream ends. Multi-line data fields are
// joined with "\n"; comments and other fields are skipped. A frame cut off
// by EOF is discarded. A frame larger than limit is not buffered: fn gets
// errFrameTooLarge in its place and reading continues.
func readFrames(r io.Reader, limit int, fn func(data []byte, err error) bool) error {
	br := bufio.NewReaderSize(r, 64*1024)

	var data []byte
	hasData, oversized := false, false
	for {
		line, truncated, err := readLine(br, limit)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if len(line) == 0 {
			if !hasData {
				continue
			}
			var cont bool
			if oversized {
				cont = fn(nil, errFrameTooLarge)
			} else {
				cont = fn(data, nil)
			}
			data, hasData, oversized = nil, false, false
			if !cont {
				return nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}
		field, value, _ := bytes.Cut(line, []byte(":"))
		if string(field) != "data" {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))

		sep := 0
		if hasData {
			sep = 1
		}
		hasData = true
		if oversized {
			continue
		}
		if truncated || len(data)+sep+len(value) > limit {
			oversized, data = true, nil
			continue
		}
		if sep == 1 {
			data = append(data, '\n')
		}
		data = append(data, value...)
	}
}

// readLine returns one line without its terminator. Bytes past limit are
// consumed but not kept, and truncated is set.
func readLine(br *bufio.Reader, limit int) (line []byte, truncated bool, err error) {
	started := false
	for {
		frag, more, err := br.ReadLine()
		if err != nil {
			if started {
				return line, truncated, nil
			}
			return nil, false, err
		}
		started = true
		if !truncated {
			if room := limit - len(line); len(frag) > room {
				line = append(line, frag[:room]...)
				truncated = true
			} else {
				line = append(line, frag...)
			}
		}
		if !more {
			return line, truncated, nil
		}
	}
}
