package transfer_test

import (
	"context"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/varkey/ferryman/internal/transfer"
)

// memShare is an in-memory stand-in for a mounted SMB share with
// injectable faults, so the transfer protocol can be exercised without
// a server.
type memShare struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool

	bytesWritten int64
	writeCalls   int

	// failOnWriteCall makes the Nth WriteAt across the share's lifetime
	// fail after flushing half its payload. Zero disables.
	failOnWriteCall int

	// corruptReads flips the first byte served by every ReadAt without
	// touching the stored content.
	corruptReads bool

	closed int
}

func newMemShare() *memShare {
	return &memShare{files: make(map[string][]byte), dirs: make(map[string]bool)}
}

type memFileInfo struct {
	name string
	size int64
}

func (i *memFileInfo) Name() string       { return i.name }
func (i *memFileInfo) Size() int64        { return i.size }
func (i *memFileInfo) Mode() os.FileMode  { return 0644 }
func (i *memFileInfo) ModTime() time.Time { return time.Time{} }
func (i *memFileInfo) IsDir() bool        { return false }
func (i *memFileInfo) Sys() any           { return nil }

func (s *memShare) Stat(path string) (os.FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.files[path]
	if !ok {
		return nil, fs.ErrNotExist
	}

	return &memFileInfo{name: path, size: int64(len(data))}, nil
}

func (s *memShare) MkdirAll(path string, perm os.FileMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dirs[path] = true
	return nil
}

func (s *memShare) OpenFile(path string, flag int, perm os.FileMode) (transfer.RemoteFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[path]; !ok {
		if flag&os.O_CREATE == 0 {
			return nil, fs.ErrNotExist
		}

		s.files[path] = []byte{}
	}

	return &memRemoteFile{share: s, path: path}, nil
}

func (s *memShare) Rename(oldPath string, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.files[oldPath]
	if !ok {
		return fs.ErrNotExist
	}

	delete(s.files, oldPath)
	s.files[newPath] = data
	return nil
}

func (s *memShare) Remove(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[path]; !ok {
		return fs.ErrNotExist
	}

	delete(s.files, path)
	return nil
}

func (s *memShare) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed++
	return nil
}

func (s *memShare) content(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.files[path]
	if !ok {
		return nil, false
	}

	return append([]byte{}, data...), true
}

func (s *memShare) seed(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.files[path] = append([]byte{}, data...)
}

type memRemoteFile struct {
	share *memShare
	path  string
}

func (f *memRemoteFile) WriteAt(p []byte, off int64) (int, error) {
	s := f.share
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writeCalls++
	n := len(p)
	var injected error
	if s.failOnWriteCall > 0 && s.writeCalls == s.failOnWriteCall {
		n = len(p) / 2
		injected = errInjectedWrite
	}

	data := s.files[f.path]
	end := off + int64(n)
	if int64(len(data)) < end {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[off:end], p[:n])
	s.files[f.path] = data
	s.bytesWritten += int64(n)

	return n, injected
}

func (f *memRemoteFile) ReadAt(p []byte, off int64) (int, error) {
	s := f.share
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.files[f.path]
	if off >= int64(len(data)) {
		return 0, io.EOF
	}

	n := copy(p, data[off:])
	if s.corruptReads && off == 0 && n > 0 {
		p[0] ^= 0xFF
	}

	if off+int64(n) == int64(len(data)) {
		return n, io.EOF
	}

	return n, nil
}

func (f *memRemoteFile) Close() error { return nil }

var errInjectedWrite = &flakyWriteError{}

type flakyWriteError struct{}

func (e *flakyWriteError) Error() string { return "injected write fault" }

// memDialer hands out the same share, optionally failing the first N
// dials or rejecting the credentials outright.
type memDialer struct {
	mu        sync.Mutex
	share     *memShare
	failDials int
	authFail  bool
	dials     int
}

func (d *memDialer) Dial(ctx context.Context) (transfer.Share, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.authFail {
		return nil, &transfer.AuthenticationFailedError{Server: "smb-test:445", User: "ferryman"}
	}
	if d.dials <= d.failDials {
		return nil, &transfer.ConnectionFailedError{Server: "smb-test:445"}
	}

	return d.share, nil
}

func (d *memDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.dials
}
