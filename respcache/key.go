package respcache

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/agentuity/respcache/cache"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
)

// ErrKeyDerivation means no stable key could be built for a request. Such
// requests bypass the cache.
var ErrKeyDerivation = errors.New("respcache: cannot derive cache key")

const (
	routeNamespace = "route"
	funcNamespace  = "fn"
)

// Keyer derives cache keys. Keys have the form
// <namespace>:<METHOD or function>:<16 hex digits>, where the digest covers
// a length-prefixed encoding of the route identity and every parameter, so
// two different inputs never share an encoding.
type Keyer struct{}

type keyBuilder struct {
	digest *xxhash.Digest
	err    error
}

func newKeyBuilder() *keyBuilder {
	return &keyBuilder{digest: xxhash.New()}
}

func (b *keyBuilder) add(s string) {
	if b.err != nil {
		return
	}
	if !utf8.ValidString(s) {
		b.err = errors.Wrapf(ErrKeyDerivation, "invalid utf-8 in %q", s)
		return
	}
	b.digest.WriteString(strconv.Itoa(len(s)))
	b.digest.WriteString(":")
	b.digest.WriteString(s)
	b.digest.WriteString(",")
}

func (b *keyBuilder) addCount(n int) {
	b.add("#" + strconv.Itoa(n))
}

func (b *keyBuilder) addValues(values url.Values) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.addCount(len(keys))
	for _, k := range keys {
		b.add(k)
		b.addCount(len(values[k]))
		for _, v := range values[k] {
			b.add(v)
		}
	}
}

func (b *keyBuilder) key(namespace, kind string) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	return fmt.Sprintf("%s:%s:%016x", namespace, kind, b.digest.Sum64()), nil
}

// RouteIdentity returns the matched chi route pattern, or the URL path when
// the request was not routed by chi.
func RouteIdentity(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func pathParams(r *http.Request) url.Values {
	params := url.Values{}
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return params
	}
	for i, k := range rctx.URLParams.Keys {
		if i < len(rctx.URLParams.Values) {
			params[k] = append(params[k], rctx.URLParams.Values[i])
		}
	}
	return params
}

// RequestKey derives the key for an HTTP request from its method, route
// identity, path parameters and query.
func (Keyer) RequestKey(r *http.Request) (string, error) {
	query, err := url.ParseQuery(r.URL.RawQuery)
	if err != nil {
		return "", cache.Categorize(errors.Wrap(err, "parse query"), ErrKeyDerivation)
	}
	method := strings.ToUpper(r.Method)
	b := newKeyBuilder()
	b.add(method)
	b.add(RouteIdentity(r))
	b.addValues(pathParams(r))
	b.addValues(query)
	return b.key(routeNamespace, method)
}

// FuncKey derives the key for a memoized function call.
func (Keyer) FuncKey(name string, params url.Values) (string, error) {
	if name == "" || strings.ContainsAny(name, " \t\r\n") {
		return "", errors.Wrapf(ErrKeyDerivation, "invalid function name %q", name)
	}
	b := newKeyBuilder()
	b.add(name)
	b.addValues(params)
	return b.key(funcNamespace, name)
}
