package db

import (
	"strings"

	"github.com/teranos/hone/errors"
)

// closedMsg is the phrase database/sql puts in its own closed-handle
// errors ("sql: database is closed"); the sentinel reuses it so the
// substring fallback below covers both.
const closedMsg = "database is closed"

// ErrDatabaseClosed reports an operation against a connection that was
// already closed, usually during shutdown while runner goroutines are still
// persisting progress.
var ErrDatabaseClosed = errors.New(closedMsg)

// IsDatabaseClosed matches both wrapped ErrDatabaseClosed and the raw
// driver errors, which cannot be wrapped at their source.
func IsDatabaseClosed(err error) bool {
	return err != nil &&
		(errors.Is(err, ErrDatabaseClosed) || strings.Contains(err.Error(), closedMsg))
}
