// Package segment assigns points to individual tree crowns by region
// growing from the highest remaining point (Li, Guo, Jakubowski & Kelly,
// 2012, "A New Method for Segmenting Individual Trees from the Lidar Point
// Cloud", PE&RS 78(1)).
//
// Each outer iteration seeds a crown with the highest point still
// unclassified, then walks the remaining points in elevation order and
// splits them between the crown (P) and the background (N) by their
// horizontal distance to each set. The background becomes the input of the
// next iteration. Points are referenced by store index throughout; P, N and
// the remaining list never copy coordinates.
package segment
