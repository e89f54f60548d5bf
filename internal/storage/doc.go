// Package storage persists the interaction audit trail: what was pressed,
// what was posted, who answered, and how long it took.
package storage
