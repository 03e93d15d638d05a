// Package database opens the PostgreSQL pool used for session auditing.
package database
