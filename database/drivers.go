// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package database

import (
	sq "github.com/Masterminds/squirrel"

	// Register the drivers "mysql", "pgx" and "sqlite".
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// builderFor returns the statement builder with the placeholder format
// of driver.
func builderFor(driver string) sq.StatementBuilderType {
	if driver == DriverPostgres {
		return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	return sq.StatementBuilder.PlaceholderFormat(sq.Question)
}

// supportsForUpdate reports whether driver understands SELECT ... FOR UPDATE.
func supportsForUpdate(driver string) bool {
	return driver == DriverMySQL || driver == DriverPostgres
}
