package upstream

import "errors"

var (
	ErrNotEventStream = errors.New("upstream did not answer with an event stream")
	ErrNoURL          = errors.New("upstream url is not configured")
	ErrStreamLimit    = errors.New("upstream stream limit reached")
)
