package main

import (
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrNoMigrations is returned when the catalog holds no migration files.
	ErrNoMigrations = errors.New("no embedded migration files found")

	// ErrInvalidMigrationSet is returned when files are misnamed, unpaired or out of sequence.
	ErrInvalidMigrationSet = errors.New("invalid migration set")

	// ErrChecksumMismatch is returned when a migration changed after it was first validated.
	ErrChecksumMismatch = errors.New("migration checksum mismatch")
)

//go:embed *.sql
var embeddedMigrations embed.FS

// Migration filename: 001_create_documents.up.sql or 001_create_documents.down.sql.
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

type (
	// Catalog is the set of migration files shipped in the binary.
	Catalog struct {
		fs        fs.FS
		checksums map[string]string // filename -> checksum recorded at first validation
	}

	// MigrationFile is a parsed migration filename.
	MigrationFile struct {
		Sequence  int
		Name      string
		Direction string // "up" or "down"
		Filename  string
	}
)

// NewCatalog returns a catalog over filesystem, or over the embedded files when nil.
func NewCatalog(filesystem fs.FS) *Catalog {
	if filesystem == nil {
		filesystem = embeddedMigrations
	}

	return &Catalog{
		fs:        filesystem,
		checksums: make(map[string]string),
	}
}

// FS returns the migration filesystem for the iofs source driver.
func (c *Catalog) FS() fs.FS {
	return c.fs
}

// Files lists the migration files that follow the naming standard, sorted.
// Other files are ignored.
func (c *Catalog) Files() ([]string, error) {
	entries, err := fs.ReadDir(c.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if !entry.IsDir() && migrationFilenameRegex.MatchString(entry.Name()) {
			files = append(files, entry.Name())
		}
	}

	slices.Sort(files)

	return files, nil
}

// Content returns the SQL of filename.
func (c *Catalog) Content(filename string) ([]byte, error) {
	return fs.ReadFile(c.fs, filename)
}

// Validate checks pairing, sequence and, after the first call, that no file changed.
func (c *Catalog) Validate() error {
	files, err := c.Files()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrNoMigrations
	}

	parsed := make([]*MigrationFile, 0, len(files))

	for _, file := range files {
		mf, err := parseMigrationFilename(file)
		if err != nil {
			return err
		}

		parsed = append(parsed, mf)
	}

	if err := validatePairing(parsed); err != nil {
		return err
	}

	if err := validateSequence(parsed); err != nil {
		return err
	}

	sums := make(map[string]string, len(files))

	for _, file := range files {
		content, err := c.Content(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		sum := checksum(content)
		if previous, ok := c.checksums[file]; ok && previous != sum {
			return fmt.Errorf("%w: %s has been modified", ErrChecksumMismatch, file)
		}

		sums[file] = sum
	}

	c.checksums = sums

	return nil
}

// MaxVersion returns the highest sequence number in the catalog, 0 when unreadable.
func (c *Catalog) MaxVersion() int {
	files, err := c.Files()
	if err != nil {
		return 0
	}

	highest := 0

	for _, file := range files {
		if mf, err := parseMigrationFilename(file); err == nil {
			highest = max(highest, mf.Sequence)
		}
	}

	return highest
}

func parseMigrationFilename(filename string) (*MigrationFile, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf("%w: %s (expected 001_name.up.sql or 001_name.down.sql)",
			ErrInvalidMigrationSet, filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("%w: sequence in %s: %w", ErrInvalidMigrationSet, filename, err)
	}

	return &MigrationFile{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// validatePairing ensures every up migration has a down migration and vice versa.
func validatePairing(files []*MigrationFile) error {
	directions := make(map[string]map[string]bool)

	for _, mf := range files {
		key := fmt.Sprintf("%03d_%s", mf.Sequence, mf.Name)
		if directions[key] == nil {
			directions[key] = make(map[string]bool)
		}

		directions[key][mf.Direction] = true
	}

	keys := make([]string, 0, len(directions))
	for key := range directions {
		keys = append(keys, key)
	}

	slices.Sort(keys)

	for _, key := range keys {
		if !directions[key]["up"] {
			return fmt.Errorf("%w: orphaned down migration, missing up for %s", ErrInvalidMigrationSet, key)
		}

		if !directions[key]["down"] {
			return fmt.Errorf("%w: orphaned up migration, missing down for %s", ErrInvalidMigrationSet, key)
		}
	}

	return nil
}

// validateSequence ensures sequences start at 001, have no gaps and one name each.
func validateSequence(files []*MigrationFile) error {
	names := make(map[int]string)

	for _, mf := range files {
		if name, ok := names[mf.Sequence]; ok && name != mf.Name {
			return fmt.Errorf("%w: sequence %03d used by both %s and %s",
				ErrInvalidMigrationSet, mf.Sequence, name, mf.Name)
		}

		names[mf.Sequence] = mf.Name
	}

	sequences := make([]int, 0, len(names))
	for seq := range names {
		sequences = append(sequences, seq)
	}

	slices.Sort(sequences)

	if sequences[0] != 1 {
		return fmt.Errorf("%w: sequence should start with 001, found %03d", ErrInvalidMigrationSet, sequences[0])
	}

	for i := 1; i < len(sequences); i++ {
		if expected := sequences[i-1] + 1; sequences[i] != expected {
			return fmt.Errorf("%w: gap in sequence, expected %03d, found %03d",
				ErrInvalidMigrationSet, expected, sequences[i])
		}
	}

	return nil
}

func checksum(content []byte) string {
	sum := blake2b.Sum256(content)

	return hex.EncodeToString(sum[:])
}
