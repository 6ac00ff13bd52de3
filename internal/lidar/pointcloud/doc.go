// Package pointcloud owns the immutable columnar point store that every
// other stage of tree segmentation reads from.
//
// Key types: Point, Store, Columns, Bounds.
//
// A Store is built once from validated columns and never mutated. Points
// are addressed by their index in the store; that index is the only stable
// identity used by the spatial index, the local maximum filter, and the
// segmentation engine.
package pointcloud
