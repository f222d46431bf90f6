package migrate

import (
	"errors"
	"fmt"
)

// ErrUninitializedMigrations is returned by Validate when the migrations
// table does not exist yet.
var ErrUninitializedMigrations = errors.New("migrations table is not initialized")

// InconsistentVersionError reports a positional version mismatch between
// applied and source migrations.
type InconsistentVersionError struct {
	Dir     string
	Applied int
	Source  int
}

func (e *InconsistentVersionError) Error() string {
	return fmt.Sprintf("migrate: inconsistent version in dir %q: applied %d, source %d",
		e.Dir, e.Applied, e.Source)
}

// InconsistentHashError reports that an applied migration's content changed
// after it was applied.
type InconsistentHashError struct {
	Dir     string
	Version int
	Applied string
	Source  string
}

func (e *InconsistentHashError) Error() string {
	return fmt.Sprintf("migrate: inconsistent hash for dir %q version %d: applied %s, source %s",
		e.Dir, e.Version, e.Applied, e.Source)
}

// UnappliedMigrationsError reports source migrations ahead of the store.
type UnappliedMigrationsError struct {
	Dir     string
	Pending int
}

func (e *UnappliedMigrationsError) Error() string {
	return fmt.Sprintf("migrate: %d unapplied migrations in dir %q", e.Pending, e.Dir)
}
