package rewards

import (
	"math/big"
	"sort"
)

// Ratio is pool / totalPoints, or zero when there are no points.
func Ratio(pool, totalPoints int64) float64 {
	if totalPoints <= 0 {
		return 0
	}
	r, _ := new(big.Rat).SetFrac64(pool, totalPoints).Float64()
	return r
}

// TokenAmount is max(floor(points × pool / totalPoints), minFloor), computed
// exactly in integers. The floor can push the sum of a plan past the pool.
func TokenAmount(points, pool, totalPoints, minFloor int64) int64 {
	if points <= 0 || totalPoints <= 0 {
		return 0
	}
	n := new(big.Int).Mul(big.NewInt(points), big.NewInt(pool))
	n.Quo(n, big.NewInt(totalPoints))
	amount := n.Int64()
	if amount < minFloor {
		return minFloor
	}
	return amount
}

// Plan converts aggregated points into token amounts. Contributors with no
// points, or whose amount rounds to zero with no floor, are left out. The
// result is in queue order: token amount descending, then contributor id.
func Plan(perContributor map[string]ContributorPoints, totalPoints, pool, minFloor int64) []PlannedPayout {
	if totalPoints <= 0 {
		return nil
	}
	plan := make([]PlannedPayout, 0, len(perContributor))
	for id, cp := range perContributor {
		amount := TokenAmount(cp.Points, pool, totalPoints, minFloor)
		if amount <= 0 {
			continue
		}
		plan = append(plan, PlannedPayout{
			ContributorID: id,
			WalletAddress: cp.WalletAddress,
			Points:        cp.Points,
			TokenAmount:   amount,
		})
	}
	SortQueue(plan)
	return plan
}

// SortQueue orders payouts so the largest obligations are attempted first.
func SortQueue(plan []PlannedPayout) {
	sort.Slice(plan, func(i, j int) bool {
		if plan[i].TokenAmount != plan[j].TokenAmount {
			return plan[i].TokenAmount > plan[j].TokenAmount
		}
		return plan[i].ContributorID < plan[j].ContributorID
	})
}

// PlanTotal sums the token amounts of a plan.
func PlanTotal(plan []PlannedPayout) int64 {
	var total int64
	for _, p := range plan {
		total += p.TokenAmount
	}
	return total
}
