// Package storage provides the SQLite-backed key-value store and audit
// repository with embedded schema migrations.
package storage
