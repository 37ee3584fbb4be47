package transfer

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fileServer serves named bodies with Range support and records the Range
// header of every request.
type fileServer struct {
	*httptest.Server

	mu     sync.Mutex
	files  map[string][]byte
	ranges map[string][]string
	status map[string]int
	// ignoreRange answers 200 with the full body even to range requests.
	ignoreRange bool
}

func newFileServer(t *testing.T, files map[string][]byte) *fileServer {
	t.Helper()
	fs := &fileServer{files: files, ranges: map[string][]string{}, status: map[string]int{}}
	fs.Server = httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fileServer) url(name string) string { return fs.URL + "/files/" + name }

func (fs *fileServer) failWith(name string, code int) {
	fs.mu.Lock()
	fs.status[name] = code
	fs.mu.Unlock()
}

func (fs *fileServer) requests(name string) []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.ranges[name]...)
}

func (fs *fileServer) serve(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/files/")
	fs.mu.Lock()
	body, ok := fs.files[name]
	code := fs.status[name]
	fs.ranges[name] = append(fs.ranges[name], r.Header.Get("Range"))
	ignore := fs.ignoreRange
	fs.mu.Unlock()
	if code != 0 {
		http.Error(w, "boom", code)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	rng := r.Header.Get("Range")
	if rng == "" || ignore {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		return
	}
	start, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
	if err != nil {
		http.Error(w, "bad range", http.StatusBadRequest)
		return
	}
	if start >= len(body) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", len(body)))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(body)-1, len(body)))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)-start))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(body[start:])
}

func pattern(n int) []byte {
	return bytes.Repeat([]byte("0123456789abcdef"), n/16+1)[:n]
}

// recorder collects progress callbacks.
type recorder struct {
	mu  sync.Mutex
	pct []int
}

func (r *recorder) add(p Progress) {
	r.mu.Lock()
	r.pct = append(r.pct, p.Percent)
	r.mu.Unlock()
}

func (r *recorder) values() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.pct...)
}
