package casper

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
)

// maxFrameSize bounds a single event; DeployProcessed frames for large
// deploys carry every transform and can be several megabytes.
const maxFrameSize = 16 << 20

var errFrameTooLarge = errors.New("event frame exceeds size limit")

// frame is one server-sent event.
type frame struct {
	ID   string
	Data []byte
}

// readFrames parses a text/event-stream body and delivers each complete frame
// on out. It returns io.EOF when the server closes the stream.
func readFrames(ctx context.Context, body io.Reader, out chan<- frame) error {
	r := bufio.NewReaderSize(body, 64<<10)

	var (
		data bytes.Buffer
		id   string
	)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && line == "" {
				return io.EOF
			}
			if !errors.Is(err, io.EOF) {
				return err
			}
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if data.Len() > 0 {
				f := frame{ID: id, Data: bytes.Clone(data.Bytes())}
				select {
				case out <- f:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			data.Reset()
			id = ""
			if err != nil {
				return io.EOF
			}
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "":
			// comment or keepalive
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			if data.Len() > maxFrameSize {
				return errFrameTooLarge
			}
		case "id":
			id = value
		}

		if err != nil {
			return io.EOF
		}
	}
}
