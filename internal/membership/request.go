package membership

// Status is the persisted state of a join request. Accepted requests are
// deleted rather than stored.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRejected Status = "rejected"
)

// Choice is a ballot.
type Choice string

const (
	ChoiceAccept Choice = "accept"
	ChoiceReject Choice = "reject"
)

// Decision is the outcome of a tally.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
)

// Request is a pending or rejected join request.
type Request struct {
	ID          string   `json:"id"`
	SpaceSlug   string   `json:"space_slug"`
	Username    string   `json:"username"`
	Status      Status   `json:"status"`
	VotesAccept []string `json:"votes_accept"`
	VotesReject []string `json:"votes_reject"`
	Timestamp   string   `json:"timestamp"`
	ResolvedAt  string   `json:"resolved_at,omitempty"`
}

// RequestKey derives the storage key of the request of username for space.
func RequestKey(spaceSlug, username string) string {
	return spaceSlug + "_" + username
}

// Tally decides a request given its ballots and the number of eligible
// voters. A side wins on reaching ceil(eligible/2); once every eligible voter
// has voted without a winner the request is rejected.
func Tally(accept, reject, eligible int) Decision {
	if eligible <= 0 {
		return DecisionPending
	}
	threshold := (eligible + 1) / 2
	switch {
	case accept >= threshold:
		return DecisionAccepted
	case reject >= threshold:
		return DecisionRejected
	case accept+reject >= eligible:
		return DecisionRejected
	default:
		return DecisionPending
	}
}

func (r *Request) cast(voter string, choice Choice) {
	r.VotesAccept = without(r.VotesAccept, voter)
	r.VotesReject = without(r.VotesReject, voter)
	if choice == ChoiceAccept {
		r.VotesAccept = append(r.VotesAccept, voter)
	} else {
		r.VotesReject = append(r.VotesReject, voter)
	}
}

func without(values []string, value string) []string {
	out := make([]string, 0, len(values))
	for _, candidate := range values {
		if candidate != value {
			out = append(out, candidate)
		}
	}
	return out
}
