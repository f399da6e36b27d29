/*
Package formation keeps traveling robot groups spatially coherent.

Loose groups use Reynolds' flocking rules: separation pushes robots
apart inside the comfort zone, alignment steers toward the circular mean
of neighbor headings, cohesion pulls toward the local centroid. A
flocking pass blends the positional forces with the alignment correction
and writes the new heading back into the world model.

Structured formations (line, grid, leader_follower) additionally carry a
virtual-structure target per member: a relative slot position in meters
from the formation origin, spaced at five meters. Formation quality is a
weighted composite of cohesion (mean distance to centroid against the
perception radius), alignment (arithmetic heading variance), and
separation (collision-radius violations over all member pairs).
*/
package formation
