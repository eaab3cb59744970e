package logging

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// AsyncFile provides non-blocking file writing capabilities
type AsyncFile struct {
	file    *os.File
	queue   chan []byte
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool

	// errMu is separate from mu: Write blocks on the queue while holding mu,
	// so the writer goroutine must never need mu to keep draining.
	errMu    sync.Mutex
	writeErr error
}

// NewAsyncFile creates a new AsyncFile for non-blocking writes
func NewAsyncFile(path string) (*AsyncFile, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", path, err)
	}

	af := &AsyncFile{
		file:  file,
		queue: make(chan []byte, 100),
	}
	af.wg.Add(1)
	go af.processQueue()
	return af, nil
}

// Write queues data to be written asynchronously
func (af *AsyncFile) Write(data []byte) error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.stopped {
		return errors.New("async file is closed")
	}
	// The caller may reuse data once Write returns.
	af.queue <- append([]byte(nil), data...)
	return nil
}

func (af *AsyncFile) processQueue() {
	defer af.wg.Done()

	for data := range af.queue {
		if _, err := af.file.Write(data); err != nil {
			af.errMu.Lock()
			if af.writeErr == nil {
				af.writeErr = err
			}
			af.errMu.Unlock()
		}
	}
}

// Close drains pending writes and closes the file. It returns the first
// write error, if any.
func (af *AsyncFile) Close() error {
	af.mu.Lock()
	if !af.stopped {
		af.stopped = true
		close(af.queue)
	}
	af.mu.Unlock()

	af.wg.Wait()
	closeErr := af.file.Close()

	af.errMu.Lock()
	defer af.errMu.Unlock()
	return errors.Join(af.writeErr, closeErr)
}
