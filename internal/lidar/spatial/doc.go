// Package spatial answers horizontal range queries against a point store.
//
// Two backends implement the Index contract: GridIndex, a regular grid
// keyed by a Szudzik pairing of cell coordinates, and RTreeIndex, backed by
// github.com/dhconnelly/rtreego. Both return every point whose (x, y) lies
// inside the closed query shape; callers rely on the absence of false
// negatives.
package spatial
