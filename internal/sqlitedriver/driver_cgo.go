//go:build cgo

package sqlitedriver

import (
	_ "github.com/mutecomm/go-sqlcipher/v4" // registers "sqlite3" with SQLCipher support
)

// EncryptionSupported reports whether the registered driver honors
// PRAGMA key. The go-sqlcipher binding does.
const EncryptionSupported = true
