// Package lmf flags the local maxima of a point cloud: points that have no
// strictly higher neighbour, and no equally high neighbour already flagged,
// inside a rectangular or circular window centred on them.
//
// Detection runs in two phases. The parallel phase queries every window and
// keeps the points without a strictly higher neighbour, together with their
// equal-height neighbours. The commit phase then walks those candidates in
// store order and resolves ties: the first point committed wins, so the flag
// array does not depend on worker scheduling.
package lmf
