// Package storage implements the namespaced key/value database that web
// clients use to persist their settings.
package storage
