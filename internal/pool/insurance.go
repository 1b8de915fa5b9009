package pool

// Coverage is how a bad-debt shortfall was absorbed.
type Coverage struct {
	Shortfall  int64
	Covered    int64 // drawn from the insurance reserve
	Socialized int64 // charged to depositors
}

// CanCoverDeficit reports whether the reserve alone absorbs the deficit.
func CanCoverDeficit(reserve, deficit int64) bool {
	return reserve >= deficit
}

// ComputeCoverage returns how much the insurance reserve can cover.
// If the reserve is insufficient, the remainder is socialized.
func ComputeCoverage(reserve, deficit int64) Coverage {
	if deficit <= 0 {
		return Coverage{}
	}
	if CanCoverDeficit(reserve, deficit) {
		return Coverage{Shortfall: deficit, Covered: deficit}
	}
	covered := max(reserve, 0)
	return Coverage{Shortfall: deficit, Covered: covered, Socialized: deficit - covered}
}
