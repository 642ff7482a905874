package coordinator

import (
	"time"

	"github.com/sawpanic/hedgerun/internal/domain"
)

// InternalVenue names fills crossed between legs without reaching a venue
const InternalVenue = "internal"

// Cross builds the result of an action that netted to zero
func Cross(action domain.HedgeAction, now time.Time) domain.ExecutionResult {
	return domain.ExecutionResult{
		ActionID:     action.ID,
		Asset:        action.Asset,
		Venue:        InternalVenue,
		Status:       domain.StatusFilled,
		AveragePrice: action.ReferencePrice,
		CompletedAt:  now,
	}
}

// Allocate splits the result of a (possibly netted) action into one result
// per originating asset action. Legs opposite to the net side are crossed
// internally in full; legs on the net side share the crossed volume plus
// the venue fill pro rata.
func Allocate(action domain.HedgeAction, res domain.ExecutionResult) []domain.ExecutionResult {
	legs := action.LegsOrSelf()
	if len(action.Legs) == 0 {
		out := res
		out.ActionID = legs[0].ActionID
		out.Asset = legs[0].Asset
		return []domain.ExecutionResult{out}
	}

	if action.Quantity == 0 {
		out := make([]domain.ExecutionResult, 0, len(legs))
		for _, l := range legs {
			out = append(out, domain.ExecutionResult{
				ActionID: l.ActionID, Asset: l.Asset, Venue: InternalVenue, Status: domain.StatusFilled,
				FilledQuantity: l.Quantity, AveragePrice: action.ReferencePrice, CompletedAt: res.CompletedAt,
			})
		}
		return out
	}

	var crossed, sameSide float64
	for _, l := range legs {
		if l.Side != action.Side {
			crossed += l.Quantity
		} else {
			sameSide += l.Quantity
		}
	}
	fill := 0.0
	if res.Succeeded() {
		fill = res.FilledQuantity
	}

	out := make([]domain.ExecutionResult, 0, len(legs))
	for _, l := range legs {
		r := domain.ExecutionResult{
			ActionID:    l.ActionID,
			Asset:       l.Asset,
			Venue:       res.Venue,
			Attempts:    res.Attempts,
			CompletedAt: res.CompletedAt,
		}
		if l.Side != action.Side {
			r.Venue = InternalVenue
			r.Status = domain.StatusFilled
			r.FilledQuantity = l.Quantity
			r.AveragePrice = action.ReferencePrice
			out = append(out, r)
			continue
		}

		share := 0.0
		if sameSide > 0 {
			share = l.Quantity / sameSide
		}
		r.FilledQuantity = share * (crossed + fill)
		if crossed+fill > 0 {
			r.AveragePrice = (crossed*action.ReferencePrice + fill*res.AveragePrice) / (crossed + fill)
		}
		switch {
		case r.FilledQuantity >= l.Quantity*(1-1e-9):
			r.Status = domain.StatusFilled
			r.FilledQuantity = l.Quantity
		case r.FilledQuantity > 0:
			r.Status = domain.StatusPartial
			r.ErrorKind = res.ErrorKind
			r.Error = res.Error
		default:
			r.Status = domain.StatusFailed
			r.ErrorKind = res.ErrorKind
			r.Error = res.Error
		}
		out = append(out, r)
	}
	return out
}
