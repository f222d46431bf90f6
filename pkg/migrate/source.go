package migrate

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
)

//go:embed migrations
var embeddedFS embed.FS

// Embedded returns the migration sources shipped with this module.
func Embedded() fs.FS {
	sub, err := fs.Sub(embeddedFS, "migrations")
	if err != nil {
		// The subtree is part of the binary; failure here is a build defect.
		panic(err)
	}
	return sub
}

// Migration is a single schema migration identified by
// <dir>/<5-digit version>-<description>.<scope>.sql.
type Migration struct {
	Dir      string
	Version  int
	Filename string
	SQL      string
	Hash     string
}

// filenameRe captures version, description and scope from a migration filename.
var filenameRe = regexp.MustCompile(`^(\d{5})-([a-z0-9_]+)\.([a-z]+)\.sql$`)

// loadDir reads all migrations for one directory, keeping only files whose
// scope matches, and checks that versions are dense, ascending, starting at 1.
func loadDir(fsys fs.FS, dir, scope string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("migrate: failed to read source dir %q: %w", dir, err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := filenameRe.FindStringSubmatch(entry.Name())
		if m == nil {
			return nil, fmt.Errorf("migrate: malformed migration filename %q in dir %q", entry.Name(), dir)
		}
		if m[3] != scope {
			continue
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("migrate: bad version in %q: %w", entry.Name(), err)
		}

		data, err := fs.ReadFile(fsys, dir+"/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("migrate: failed to read %q: %w", entry.Name(), err)
		}
		sum := sha256.Sum256(data)

		migrations = append(migrations, Migration{
			Dir:      dir,
			Version:  version,
			Filename: entry.Name(),
			SQL:      string(data),
			Hash:     hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })

	for i, m := range migrations {
		if m.Version != i+1 {
			return nil, fmt.Errorf("migrate: versions in dir %q must be dense and ascending from 1, got %d at position %d",
				dir, m.Version, i+1)
		}
	}

	return migrations, nil
}

// loadSource reads every migration directory under the source root.
// Directory order is lexicographic, so bootstrap order is deterministic.
func loadSource(fsys fs.FS, scope string) (map[string][]Migration, []string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, nil, fmt.Errorf("migrate: failed to read source root: %w", err)
	}

	dirs := make([]string, 0, len(entries))
	byDir := make(map[string][]Migration)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		migrations, err := loadDir(fsys, entry.Name(), scope)
		if err != nil {
			return nil, nil, err
		}
		dirs = append(dirs, entry.Name())
		byDir[entry.Name()] = migrations
	}
	sort.Strings(dirs)

	return byDir, dirs, nil
}
