// Package sqlitedriver picks the SQLite binding the session archive runs
// on. Both bindings register under the driver name "sqlite3": cgo builds
// get go-sqlcipher, which accepts a PRAGMA key for SQLCipher encryption,
// and cgo-less builds get the pure-Go modernc.org/sqlite, which opens the
// same databases but cannot encrypt them.
//
// Blank-import the package and check EncryptionSupported before keying:
//
//	import _ "github.com/teradata-labs/amcp/internal/sqlitedriver"
package sqlitedriver
