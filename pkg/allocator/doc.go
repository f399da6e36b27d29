/*
Package allocator matches pending tasks to robots through market-based
auctions and a greedy min-cost batch assignment.

A bid folds distance, battery, current workload and task priority into a
single value in [0,1]; robots that fail the hard gates (type, battery
floor, operational state, connectivity, energy reserve) do not bid.
Auctions settle one task at a time to the highest bidder; the batch pass
enumerates every eligible pair at cost 1-bid and takes pairs cheapest
first, one task per robot per pass. The batch method is named after the
Hungarian algorithm it approximates; a true min-cost matching would be a
drop-in replacement at the same interface.
*/
package allocator
