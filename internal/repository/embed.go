package repository

import "embed"

// MigrationsFS содержит SQL-миграции схемы.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS
