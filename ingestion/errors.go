package ingestion

import "errors"

var (
	// ErrAnalyticsRepositoryRequired is returned when an analytics repository is not provided.
	ErrAnalyticsRepositoryRequired = errors.New("analytics repository required")

	// ErrUndecodableMessage is returned for a message body that is not a JSON object.
	ErrUndecodableMessage = errors.New("undecodable message")

	// ErrMissingKey is returned for a record with neither event_id nor invocation_id.
	ErrMissingKey = errors.New("record has no natural key")
)
