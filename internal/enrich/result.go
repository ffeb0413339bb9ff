package enrich

// Outcome is the per-entry result of a digest attempt.
type Outcome int

const (
	// OutcomeProcessed means a basic record was written; Enhanced tells whether
	// the upgrade also landed.
	OutcomeProcessed Outcome = iota
	// OutcomeSkipped means a record already existed or the entry was in flight.
	OutcomeSkipped
	// OutcomeFailed means the basic record could not be written.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ItemResult is the outcome for one content ID.
type ItemResult struct {
	ContentID string
	Outcome   Outcome
	Enhanced  bool
	Err       error
}

// Stats aggregates item results for a run.
type Stats struct {
	Total     int
	Processed int
	Failed    int
	Skipped   int
	Enhanced  int
	// Missed counts processed entries whose upgrade failed.
	Missed int
}

// Add folds one item result into the counters.
func (s *Stats) Add(r ItemResult) {
	s.Total++
	switch r.Outcome {
	case OutcomeProcessed:
		s.Processed++
		if r.Enhanced {
			s.Enhanced++
		} else {
			s.Missed++
		}
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
}
