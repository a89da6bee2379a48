package session

// attempt tracks where a request is in its single allowed retry.
type attempt int

const (
	firstAttempt attempt = iota
	retriedAfterRenewal
)

func (a attempt) String() string {
	if a == retriedAfterRenewal {
		return "retried"
	}
	return "first"
}
