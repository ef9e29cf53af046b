// Package testutil provides fixtures shared by package tests: a fake wall
// clock, temp SQLite backends and a discard logger.
package testutil
