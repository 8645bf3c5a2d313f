package pubsub

import "errors"

var (
	ErrBrokerClosed = errors.New("pubsub: broker closed")
	ErrEmptyPattern = errors.New("pubsub: empty key")
)
