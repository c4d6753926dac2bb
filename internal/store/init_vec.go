//go:build sqlite_vec && cgo

package store

// Building with the sqlite_vec tag links the sqlite-vec cgo extension and
// auto-registers it with every go-sqlite3 connection, so detectVecExtension
// finds vec0 at store open and ANN search replaces the brute-force cosine
// fallback. Without the tag this file is compiled out and the store runs
// on the fallback path.

import vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

func init() {
	vec.Auto()
}
