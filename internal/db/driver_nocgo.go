//go:build !cgo

package db

// Pure-Go driver for CGO_ENABLED=0 builds and gomobile targets.
import _ "modernc.org/sqlite"

const driverName = "sqlite"

func dsn(path string) string {
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}
