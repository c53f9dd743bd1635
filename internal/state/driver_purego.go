//go:build !cgo

package state

import _ "modernc.org/sqlite"

const driverName = "sqlite"
