package ioutil

import (
	"bytes"
	"io"
	"sync"
)

// AtomicWriter is a concurrency-safe in-memory writer, used by the debug logger.
// Writes can be forwarded to other writers, see ConnectTo.
type AtomicWriter struct {
	lock    *sync.Mutex
	writers []io.Writer
	buffer  *bytes.Buffer
}

func NewAtomicWriter() *AtomicWriter {
	buffer := &bytes.Buffer{}
	return &AtomicWriter{lock: &sync.Mutex{}, writers: []io.Writer{buffer}, buffer: buffer}
}

// ConnectTo forwards all following writes also to the writer.
func (w *AtomicWriter) ConnectTo(writer io.Writer) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.writers = append(w.writers, writer)
}

func (w *AtomicWriter) Write(p []byte) (n int, err error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	for _, writer := range w.writers {
		if _, err = writer.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (w *AtomicWriter) Sync() error {
	return nil
}

func (w *AtomicWriter) Truncate() {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.buffer.Reset()
}

func (w *AtomicWriter) String() string {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.buffer.String()
}

func (w *AtomicWriter) StringAndTruncate() string {
	w.lock.Lock()
	defer w.lock.Unlock()
	str := w.buffer.String()
	w.buffer.Reset()
	return str
}
