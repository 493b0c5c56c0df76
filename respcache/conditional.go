package respcache

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// directives holds request Cache-Control directives keyed by lowercase name.
type directives map[string]string

func parseCacheControl(header http.Header) directives {
	d := directives{}
	for _, line := range header.Values("Cache-Control") {
		for _, directive := range strings.Split(line, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			name, arg, _ := strings.Cut(directive, "=")
			d[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(arg), `"`)
		}
	}
	// Pragma is only honored when Cache-Control is absent.
	if len(header.Values("Cache-Control")) == 0 {
		for _, line := range header.Values("Pragma") {
			if strings.EqualFold(strings.TrimSpace(line), "no-cache") {
				d["no-cache"] = ""
			}
		}
	}
	return d
}

func (d directives) has(name string) bool {
	_, ok := d[name]
	return ok
}

// entityTag returns a weak validator for body.
func entityTag(body []byte) string {
	return fmt.Sprintf(`W/"%016x"`, xxhash.Sum64(body))
}

// opaqueTag strips the weakness indicator so tags compare weakly.
func opaqueTag(tag string) string {
	return strings.TrimPrefix(strings.TrimSpace(tag), "W/")
}

// noneMatch reports whether the If-None-Match header of r matches etag.
func noneMatch(r *http.Request, etag string) bool {
	if etag == "" {
		return false
	}
	want := opaqueTag(etag)
	for _, line := range r.Header.Values("If-None-Match") {
		for _, candidate := range strings.Split(line, ",") {
			candidate = strings.TrimSpace(candidate)
			if candidate == "*" || (candidate != "" && opaqueTag(candidate) == want) {
				return true
			}
		}
	}
	return false
}
