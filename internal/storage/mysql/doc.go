// Package mysql persists turn records: an in-memory repository for local
// runs and a MySQL repository with embedded, versioned schema migrations.
package mysql
