package task

// DistributeLimits implements the water-filling allocation used by the
// chunking fetcher's discovery phase: given a per-series cap list and a
// request-wide total cap, repeatedly hand each still-active series an
// even share of the remaining budget (floored), capping at the series'
// own remaining cap and removing satisfied series from the active set,
// until no further whole share can be handed out. A negative limit means
// "unlimited" for that series.
//
// Grounded on cognite/client/_api/datapoints.py's
// `_find_initial_query_limits`.
func DistributeLimits(limits []int, maxLimit int) []int {
	out := make([]int, len(limits))
	remaining := make([]int, len(limits))
	copy(remaining, limits)

	active := make([]int, 0, len(limits))
	for i, l := range limits {
		if l != 0 {
			active = append(active, i)
		}
	}

	budget := maxLimit
	for len(active) > 0 && budget > 0 {
		share := budget / len(active)
		if share == 0 {
			break
		}
		active = distributeRound(out, remaining, active, &budget, share)
	}

	// Leftover budget from integer-division remainders is handed out one
	// unit at a time to whichever series can still take it.
	for budget > 0 && len(active) > 0 {
		progressed := false
		active = distributeRound(out, remaining, active, &budget, 1, &progressed)
		if !progressed {
			break
		}
	}

	return out
}

func distributeRound(out, remaining []int, active []int, budget *int, share int, progressed ...*bool) []int {
	var stillActive []int
	for _, i := range active {
		if *budget <= 0 {
			stillActive = append(stillActive, i)
			continue
		}
		if remaining[i] == 0 {
			continue
		}

		give := share
		if remaining[i] > 0 && give > remaining[i] {
			give = remaining[i]
		}
		if give <= 0 {
			stillActive = append(stillActive, i)
			continue
		}

		out[i] += give
		*budget -= give
		if remaining[i] > 0 {
			remaining[i] -= give
		}
		if len(progressed) > 0 {
			*progressed[0] = true
		}
		if remaining[i] != 0 {
			stillActive = append(stillActive, i)
		}
	}
	return stillActive
}
