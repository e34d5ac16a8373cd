package retrieval

import (
	"errors"

	"github.com/smartdevs17/eas-logbook/internal/codec"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// Status is what the detail view shows for a fetch outcome
type Status string

const (
	StatusReady        Status = "ready"
	StatusPending      Status = "pending"
	StatusAccessDenied Status = "access_denied"
	StatusInvalid      Status = "invalid"
)

// Classify maps a fetch error to a view status. Access errors, bad
// identifiers and undecodable payloads are hard failures; everything else is
// shown as pending since indexer lag and node hiccups are transient.
func Classify(err error) Status {
	var decErr *codec.DecodingError
	switch {
	case err == nil:
		return StatusReady
	case utils.IsCode(err, utils.ErrCodeAccess):
		return StatusAccessDenied
	case utils.IsCode(err, utils.ErrCodeValidation), errors.As(err, &decErr):
		return StatusInvalid
	default:
		return StatusPending
	}
}
