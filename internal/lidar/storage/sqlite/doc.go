// Package sqlite contains the SQLite repository for segmentation runs.
//
// All database reads and writes for runs, per-point tree assignments and
// crown summaries belong here rather than in the algorithm packages, which
// keeps the segmentation code free of SQL.
package sqlite
