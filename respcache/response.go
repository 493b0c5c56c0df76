package respcache

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

var errInvalidEntry = errors.New("respcache: invalid stored response")

// storedResponse is the cached form of a handler's response.
type storedResponse struct {
	Status   int         `msgpack:"s"`
	Header   http.Header `msgpack:"h"`
	Body     []byte      `msgpack:"b"`
	StoredAt int64       `msgpack:"t"` // unix nanoseconds
	// ExpiresAt is zero when the backend's default expiry applied.
	ExpiresAt int64 `msgpack:"e"`
}

func (s *storedResponse) cacheable() bool {
	return s.Status >= 200 && s.Status < 300
}

func (s *storedResponse) encode() ([]byte, error) {
	return msgpack.Marshal(s)
}

func decodeResponse(buf []byte) (*storedResponse, error) {
	var s storedResponse
	if err := msgpack.Unmarshal(buf, &s); err != nil {
		return nil, err
	}
	if s.Status < 100 || s.Status > 999 {
		return nil, errInvalidEntry
	}
	return &s, nil
}

// age is the whole seconds since the response was stored.
func (s *storedResponse) age(now time.Time) int64 {
	age := now.Sub(time.Unix(0, s.StoredAt)) / time.Second
	if age < 0 {
		return 0
	}
	return int64(age)
}

// remaining is the whole seconds of freshness left, or -1 when the expiry
// is unknown.
func (s *storedResponse) remaining(now time.Time) int64 {
	if s.ExpiresAt == 0 {
		return -1
	}
	left := time.Unix(0, s.ExpiresAt).Sub(now) / time.Second
	if left < 0 {
		return 0
	}
	return int64(left)
}

// tag sets a weak ETag derived from the body unless the handler set one.
func (s *storedResponse) tag() {
	if s.Header.Get("ETag") == "" {
		s.Header.Set("ETag", entityTag(s.Body))
	}
}

// writeTo replays the response. Age and max-age are omitted when negative,
// and a handler's own Cache-Control is never replaced. The body is omitted
// for HEAD. A request whose If-None-Match matches the ETag gets 304.
func (s *storedResponse) writeTo(w http.ResponseWriter, r *http.Request, status string, age, maxAge int64) {
	header := w.Header()
	for k, vv := range s.Header {
		header[k] = append([]string(nil), vv...)
	}
	header.Set(cacheStatusHeader, status)
	if age >= 0 {
		header.Set("Age", strconv.FormatInt(age, 10))
	}
	if maxAge >= 0 && s.Header.Get("Cache-Control") == "" {
		header.Set("Cache-Control", "max-age="+strconv.FormatInt(maxAge, 10))
	}
	if s.cacheable() && noneMatch(r, s.Header.Get("ETag")) {
		header.Del("Content-Length")
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if header.Get("Content-Length") == "" {
		header.Set("Content-Length", strconv.Itoa(len(s.Body)))
	}
	w.WriteHeader(s.Status)
	if r.Method != http.MethodHead {
		w.Write(s.Body)
	}
}
