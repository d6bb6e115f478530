//go:build !cgo

package sqlitedriver

import (
	"database/sql"

	"modernc.org/sqlite"
)

func init() {
	sql.Register("sqlite3", &sqlite.Driver{})
}

// EncryptionSupported reports whether the registered driver honors
// PRAGMA key. The pure-Go binding ignores it, so encrypted archives
// need a cgo build.
const EncryptionSupported = false
