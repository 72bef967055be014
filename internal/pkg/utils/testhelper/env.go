// nolint forbidigo
package testhelper

import (
	"bytes"
	"io"
	"os"

	"github.com/acarl005/stripansi"
	"github.com/spf13/cast"
)

type stripAnsiWriter struct {
	buf    bytes.Buffer
	writer io.Writer
}

func newStripAnsiWriter(writer io.Writer) *stripAnsiWriter {
	return &stripAnsiWriter{writer: writer}
}

func (w *stripAnsiWriter) writeBuffer() error {
	if _, err := w.writer.Write([]byte(stripansi.Strip(w.buf.String()))); err != nil {
		return err
	}
	w.buf.Reset()
	return nil
}

func (w *stripAnsiWriter) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	if err != nil {
		return n, err
	}
	// Flush complete lines only, so escape sequences are not split
	if bytes.HasSuffix(p, []byte("\n")) {
		if err := w.writeBuffer(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (w *stripAnsiWriter) Close() error {
	return w.writeBuffer()
}

type nopCloser struct {
	io.Writer
}

func (n *nopCloser) Close() error {
	return nil
}

// TestIsVerbose returns true if the TEST_VERBOSE env is set to a true value.
func TestIsVerbose() bool {
	value := os.Getenv("TEST_VERBOSE")
	if value == "" {
		value = "false"
	}
	return cast.ToBool(value)
}

// VerboseStdout returns stdout in the verbose mode, otherwise all writes are discarded.
func VerboseStdout() io.WriteCloser {
	if TestIsVerbose() {
		return newStripAnsiWriter(os.Stdout)
	}
	return &nopCloser{io.Discard}
}
