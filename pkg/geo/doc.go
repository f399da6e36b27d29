/*
Package geo provides the spherical geometry primitives shared by the
formation controller and the task allocator.

All functions operate on geodetic coordinates in decimal degrees and use a
mean Earth radius of 6,371,000 m. Headings and bearings are expressed in
degrees, with 0 pointing north and values increasing clockwise.
*/
package geo
