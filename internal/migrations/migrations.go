package migrations

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

const initialSchemaFile = "001_initial_schema.sql"

//go:embed sql/001_initial_schema.sql
var embeddedInitialSchema string

var (
	// MigrationsDir can be overridden in tests or by the application. A schema file
	// found there takes precedence over the embedded one.
	MigrationsDir = "scripts/migrations"
)

// GetInitialSchema returns the initial database schema
func GetInitialSchema() (string, error) {
	searchPaths := []string{
		filepath.Join(MigrationsDir, initialSchemaFile),
		filepath.Join("..", "..", MigrationsDir, initialSchemaFile),
		filepath.Join("..", MigrationsDir, initialSchemaFile),
	}

	for _, path := range searchPaths {
		content, err := os.ReadFile(path) // #nosec G304 - fixed file name under a configured directory
		if err == nil {
			if len(content) == 0 {
				return "", fmt.Errorf("schema file %s is empty", path)
			}
			return string(content), nil
		}
	}

	if embeddedInitialSchema == "" {
		return "", fmt.Errorf("could not find schema file in any location")
	}
	return embeddedInitialSchema, nil
}
