package lifecycle

import "fmt"

// Transition tables per entity kind. Every declared state has an entry;
// terminal states map to an empty slice. The lone path out of a terminal
// region is expired -> cancelled, which is encoded in the lot table itself
// so IsTerminal stays derivable from the table.

var lotTable = map[State][]State{
	LotDraft:               {LotProofed, LotCancelled},
	LotProofed:             {LotPendingVerification, LotCancelled},
	LotPendingVerification: {LotVerified, LotCancelled},
	LotVerified:            {LotMinted, LotCancelled},
	LotMinted:              {LotListed, LotCancelled},
	LotListed:              {LotPartiallySold, LotSoldOut, LotExpired, LotCancelled},
	LotPartiallySold:       {LotSoldOut, LotExpired, LotCancelled},
	LotSoldOut:             {LotRetired},
	LotRetired:             {},
	LotCancelled:           {},
	LotExpired:             {LotCancelled},
}

var orderTable = map[State][]State{
	OrderPending:    {OrderConfirmed, OrderCancelled, OrderFailed},
	OrderConfirmed:  {OrderProcessing, OrderCancelled},
	OrderProcessing: {OrderEscrow, OrderCompleted, OrderFailed},
	OrderEscrow:     {OrderCompleted, OrderDisputed, OrderRefunded},
	OrderCompleted:  {},
	OrderCancelled:  {},
	OrderFailed:     {OrderRefunded},
	OrderRefunded:   {},
	OrderDisputed:   {OrderCompleted, OrderRefunded},
}

var claimTable = map[State][]State{
	ClaimDraft:       {ClaimSubmitted, ClaimCancelled},
	ClaimSubmitted:   {ClaimUnderReview, ClaimCancelled},
	ClaimUnderReview: {ClaimVerified, ClaimRejected},
	ClaimVerified:    {ClaimApproved, ClaimRejected},
	ClaimApproved:    {ClaimRetired},
	ClaimRejected:    {ClaimCancelled},
	ClaimRetired:     {},
	ClaimCancelled:   {},
}

var tables = map[EntityKind]map[State][]State{
	KindLot:   lotTable,
	KindOrder: orderTable,
	KindClaim: claimTable,
}

var initialStates = map[EntityKind]State{
	KindLot:   LotDraft,
	KindOrder: OrderPending,
	KindClaim: ClaimDraft,
}

// LegalTargets returns the set of graph-legal next states for a state.
// The returned slice must not be mutated.
func LegalTargets(kind EntityKind, from State) ([]State, error) {
	table, ok := tables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	targets, ok := table[from]
	if !ok {
		return nil, fmt.Errorf("unknown %s state %q", kind, from)
	}
	return targets, nil
}

// IsTerminal reports whether a state has no legal outgoing transitions.
func IsTerminal(kind EntityKind, state State) (bool, error) {
	targets, err := LegalTargets(kind, state)
	if err != nil {
		return false, err
	}
	return len(targets) == 0, nil
}

// InitialState returns the state new entities of a kind are created in.
func InitialState(kind EntityKind) (State, error) {
	s, ok := initialStates[kind]
	if !ok {
		return "", fmt.Errorf("unknown entity kind %q", kind)
	}
	return s, nil
}

// States returns every declared state for a kind, in no particular order.
func States(kind EntityKind) ([]State, error) {
	table, ok := tables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	out := make([]State, 0, len(table))
	for s := range table {
		out = append(out, s)
	}
	return out, nil
}

func isLegal(kind EntityKind, from, to State) (bool, error) {
	targets, err := LegalTargets(kind, from)
	if err != nil {
		return false, err
	}
	if _, err := ParseState(kind, string(to)); err != nil {
		return false, err
	}
	for _, t := range targets {
		if t == to {
			return true, nil
		}
	}
	return false, nil
}
