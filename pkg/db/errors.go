package db

import "errors"

var (
	ErrParseConfig     = errors.New("db: parse connection string failed")
	ErrConnect         = errors.New("db: open connection failed")
	ErrSetDialect      = errors.New("db: set migration dialect failed")
	ErrApplyMigrations = errors.New("db: apply migrations failed")
)
