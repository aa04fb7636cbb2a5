package lifecycle

import (
	"fmt"
	"time"
)

// Engine validates and executes single transition attempts. It is
// stateless and side-effect-free beyond reading the clock; persisting
// accepted records (and serializing concurrent writers per entity) is the
// caller's responsibility.
type Engine struct {
	Now func() time.Time
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Record describes an accepted transition, handed to the caller to persist.
type Record struct {
	Kind      EntityKind `json:"kind"`
	From      State      `json:"from"`
	To        State      `json:"to"`
	Timestamp time.Time  `json:"timestamp"`
	Context   Context    `json:"-"`
	Terminal  bool       `json:"terminal"`
	Next      []State    `json:"next_possible_states"`
}

// Result is the tagged outcome of a transition attempt: exactly one of
// Record or Rejection is set.
type Result struct {
	Accepted  bool
	Record    *Record
	Rejection *Rejection
}

// AttemptTransition checks graph legality first (cheap), then the guard
// for (kind, to), which may be expensive (PDI computation). The operation
// is all-or-nothing; a rejection leaves no observable effect. The returned
// error is reserved for caller bugs (unknown kind or state), never for
// business-rule failures.
func (e Engine) AttemptTransition(kind EntityKind, from, to State, ctx Context) (Result, error) {
	legal, err := isLegal(kind, from, to)
	if err != nil {
		return Result{}, err
	}
	if !legal {
		return Result{Rejection: &Rejection{Code: ReasonIllegalTransition, From: from, To: to}}, nil
	}
	if guard := guardFor(kind, to); guard != nil {
		if rej := guard(ctx); rej != nil {
			rej.From = from
			rej.To = to
			return Result{Rejection: rej}, nil
		}
	}
	terminal, err := IsTerminal(kind, to)
	if err != nil {
		return Result{}, err
	}
	next, err := LegalTargets(kind, to)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Accepted: true,
		Record: &Record{
			Kind:      kind,
			From:      from,
			To:        to,
			Timestamp: e.now(),
			Context:   ctx,
			Terminal:  terminal,
			Next:      next,
		},
	}, nil
}

// Step is one recorded transition in an entity's history.
type Step struct {
	From State `json:"from"`
	To   State `json:"to"`
}

// HistoryResult is the outcome of replaying a recorded sequence.
type HistoryResult struct {
	Valid      bool   `json:"valid"`
	Index      int    `json:"index,omitempty"`
	Error      string `json:"error,omitempty"`
	FinalState State  `json:"final_state,omitempty"`
}

// ValidateHistory re-validates a recorded transition sequence against the
// current tables: the sequence must be non-empty, start from the kind's
// initial state, chain without gaps, and use only graph-legal edges.
// Guards are not re-run; history carries no context to evaluate them with.
// An invalid sequence signals data corruption or a rule-set change and is
// surfaced for manual audit, not automatic recovery.
func (e Engine) ValidateHistory(kind EntityKind, steps []Step) (HistoryResult, error) {
	if _, err := InitialState(kind); err != nil {
		return HistoryResult{}, err
	}
	if len(steps) == 0 {
		return HistoryResult{Index: 0, Error: "history is empty"}, nil
	}
	initial, _ := InitialState(kind)
	if steps[0].From != initial {
		return HistoryResult{
			Index: 0,
			Error: fmt.Sprintf("history must start from %s, got %s", initial, steps[0].From),
		}, nil
	}
	prev := initial
	for i, s := range steps {
		if s.From != prev {
			return HistoryResult{
				Index: i,
				Error: fmt.Sprintf("step %d starts from %s but previous state is %s", i, s.From, prev),
			}, nil
		}
		legal, err := isLegal(kind, s.From, s.To)
		if err != nil {
			return HistoryResult{}, err
		}
		if !legal {
			return HistoryResult{
				Index: i,
				Error: fmt.Sprintf("step %d: transition %s -> %s is not legal", i, s.From, s.To),
			}, nil
		}
		prev = s.To
	}
	return HistoryResult{Valid: true, FinalState: prev}, nil
}
