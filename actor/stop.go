package actor

// StopRequest lets HandleCast terminate its process with an explicit
// Reason instead of the implicit Error(err) any other returned error
// produces. Behaviors whose own vocabulary includes a voluntary stop
// triggered by a cast (statem's `stop` transition is the one in this
// runtime) return StopWith(reason) from HandleCast.
type StopRequest struct {
	Reason Reason
}

func (e *StopRequest) Error() string { return "actor: stop requested: " + e.Reason.String() }

// StopWith builds the error HandleCast returns to request termination
// with reason.
func StopWith(reason Reason) error { return &StopRequest{Reason: reason} }
