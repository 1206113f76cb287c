package measurements

import "errors"

var (
	// ErrInvalidMeasurement is returned for malformed readings.
	ErrInvalidMeasurement = errors.New("measurements: invalid measurement")
	// ErrUnknownSource is returned when a source is neither local nor server.
	ErrUnknownSource = errors.New("measurements: unknown source")
	// ErrNoConfidentInput is returned when every reading in a bucket has zero confidence.
	ErrNoConfidentInput = errors.New("measurements: no confident input in bucket")
	// ErrInvalidSeriesKey is returned when the horse or metric id is unusable.
	ErrInvalidSeriesKey = errors.New("measurements: invalid series key")
	// ErrServerUnavailable is returned when the remote source cannot be reached.
	ErrServerUnavailable = errors.New("measurements: server unavailable")
	// ErrInvalidServerData is returned when the server sends readings that fail validation.
	ErrInvalidServerData = errors.New("measurements: invalid server data")
)
