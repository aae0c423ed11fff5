package choice

import "strings"

// CollectiveState is the shared record of every submitted choice label and
// the running vote total. It is always replaced wholesale: mutation helpers
// return a new value so stores can persist the full record atomically.
//
// Invariant: TotalVotes == len(Choices) after every mutation.
type CollectiveState struct {
	Choices    []string `json:"choices"`
	TotalVotes int      `json:"totalVotes"`
}

// Zero returns the empty collective state used at service start and on reset.
func Zero() CollectiveState {
	return CollectiveState{Choices: []string{}, TotalVotes: 0}
}

// Append returns a copy of the state with label added and the total bumped.
// Blank labels are ignored.
func (s CollectiveState) Append(label string) CollectiveState {
	label = strings.TrimSpace(label)
	if label == "" {
		return s.normalized()
	}
	next := make([]string, 0, len(s.Choices)+1)
	next = append(next, s.Choices...)
	next = append(next, label)
	return CollectiveState{Choices: next, TotalVotes: len(next)}
}

// Remove returns a copy of the state with every occurrence of label removed
// and the total recomputed from the remaining sequence.
func (s CollectiveState) Remove(label string) CollectiveState {
	label = strings.TrimSpace(label)
	next := make([]string, 0, len(s.Choices))
	for _, existing := range s.Choices {
		if existing != label {
			next = append(next, existing)
		}
	}
	return CollectiveState{Choices: next, TotalVotes: len(next)}
}

// normalized repairs a state decoded from storage so the vote-total
// invariant holds even if the persisted record predates it.
func (s CollectiveState) normalized() CollectiveState {
	if s.Choices == nil {
		s.Choices = []string{}
	}
	s.TotalVotes = len(s.Choices)
	return s
}

// Normalize returns the state with a non-nil choice slice and the vote total
// recomputed. Stores call this after decoding persisted records.
func (s CollectiveState) Normalize() CollectiveState {
	return s.normalized()
}

// AggregatedChoice is a presentation-side summary of one distinct label.
type AggregatedChoice struct {
	Label string `json:"choice"`
	Count int    `json:"count"`
}

// Aggregate groups the state's choices by label. Distinct labels keep their
// first-occurrence order; that order is the canonical one, not a ranking.
func Aggregate(state CollectiveState) []AggregatedChoice {
	indexByLabel := make(map[string]int, len(state.Choices))
	aggregated := make([]AggregatedChoice, 0, len(state.Choices))
	for _, label := range state.Choices {
		if i, seen := indexByLabel[label]; seen {
			aggregated[i].Count++
			continue
		}
		indexByLabel[label] = len(aggregated)
		aggregated = append(aggregated, AggregatedChoice{Label: label, Count: 1})
	}
	return aggregated
}

// RankForDisplay orders aggregated entries by descending count. The sort is
// an insertion pass over the canonical slice so equal counts keep
// first-occurrence order as the tie-break.
func RankForDisplay(aggregated []AggregatedChoice) []AggregatedChoice {
	ranked := make([]AggregatedChoice, 0, len(aggregated))
	for _, entry := range aggregated {
		at := len(ranked)
		for at > 0 && ranked[at-1].Count < entry.Count {
			at--
		}
		ranked = append(ranked, AggregatedChoice{})
		copy(ranked[at+1:], ranked[at:])
		ranked[at] = entry
	}
	return ranked
}

// Top picks the aggregated entry with the highest count. Ties go to the
// earliest-submitted distinct label. The second return is false when there
// are no entries.
func Top(aggregated []AggregatedChoice) (AggregatedChoice, bool) {
	var top AggregatedChoice
	found := false
	for _, entry := range aggregated {
		if !found || entry.Count > top.Count {
			top = entry
			found = true
		}
	}
	return top, found
}
