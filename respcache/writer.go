package respcache

import (
	"bytes"
	"net/http"
)

// recorder buffers a handler's response so it can be stored before being
// written to the client.
type recorder struct {
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

var _ http.ResponseWriter = (*recorder)(nil)

func newRecorder() *recorder {
	return &recorder{header: http.Header{}}
}

func (r *recorder) Header() http.Header {
	return r.header
}

func (r *recorder) WriteHeader(statusCode int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = statusCode
}

func (r *recorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(b)
}

// Flush is a no-op; the response is only released once the handler returns.
func (r *recorder) Flush() {}

func (r *recorder) result(storedAt int64) *storedResponse {
	status := r.status
	if !r.wroteHeader {
		status = http.StatusOK
	}
	header := r.header.Clone()
	header.Del(cacheStatusHeader)
	header.Del("Age")
	return &storedResponse{
		Status:   status,
		Header:   header,
		Body:     bytes.Clone(r.body.Bytes()),
		StoredAt: storedAt,
	}
}
