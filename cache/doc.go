// Package cache provides a byte-oriented key/value store with per-entry
// expiry, several interchangeable backends and a generic cache-aside helper.
//
// # Cache Interface
//
// [Cache] has five operations: [Cache.Get], [Cache.Set], [Cache.Delete],
// [Cache.Clear] and [Cache.Close]. Values are opaque byte slices; callers
// that store structured data encode it themselves or use [GetValue],
// [SetValue] and [Exec], which use msgpack.
//
// A missing or expired key is reported as found=false with a nil error.
// A backend that cannot be reached returns an error marked with
// [ErrBackendUnavailable]; it is never reported as a miss, so callers can
// tell "not cached" apart from "cache is down". Failed writes are marked with
// [ErrBackendWriteFailed].
//
// # Implementations
//
//   - [NewInMemory]: a map guarded by a mutex. Expired entries are dropped on
//     read and by a background sweep at the [WithExpiryCheck] interval.
//     Stored bytes are copied in and out.
//
//   - [NewMemcached]: memcached via [github.com/bradfitz/gomemcache]. TTLs are
//     rounded up to whole seconds. [Cache.Clear] flushes the whole server,
//     since memcached cannot enumerate a prefix.
//
//   - [NewRedis]: Redis via [github.com/redis/go-redis/v9] with native TTLs.
//     [Cache.Clear] scans and deletes the prefix, or flushes the database
//     when no prefix is set. The caller owns the client.
//
//   - [NewSQLite]: a local database via [modernc.org/sqlite] (pure Go). Useful
//     when entries should survive a restart without extra infrastructure.
//
//   - [NewComposite]: chains caches. Get returns the first hit and skips
//     failing tiers. Writes go to every tier.
//
//   - [NewGuarded]: puts a circuit breaker in front of a networked cache so an
//     outage costs one timeout per breaker window rather than one per call.
//
// [Open] builds one of the above from a [BackendConfig].
//
// # Timeouts
//
// Backends that perform I/O bound every call by the query timeout
// ([DefaultQueryTimeout] unless [WithQueryTimeout] is given) and stop
// waiting as soon as the caller's context is done.
//
// # Cache-aside
//
//	found, user, err := cache.Exec(ctx, cache.CacheConfig{Key: "user:123"}, c,
//	    func(ctx context.Context) (User, bool, error) {
//	        user, err := queries.GetUser(ctx, id)
//	        if errors.Is(err, sql.ErrNoRows) {
//	            return User{}, false, nil // not cached
//	        }
//	        return user, true, err
//	    },
//	)
//
// Lookup and store failures are passed to [CacheConfig.OnError] and degrade
// to a miss or an uncached result; the invoker's own errors are returned and
// never cached.
package cache
