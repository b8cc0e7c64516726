// Package sqlite persists the capture catalog: one row per session, per
// processed frame and per exported artifact. The schema lives in
// internal/db/migrations.
package sqlite
