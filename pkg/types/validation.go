package types

import (
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// ErrInvalidParameter is the base of every input validation error. Its text
// is empty so wrapped messages read as the validation message alone.
var ErrInvalidParameter = errors.New("")

// MinCertificateLifetime is the shortest certificate lifetime a policy may set
const MinCertificateLifetime = time.Hour

func invalid(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s%w", err.Error(), ErrInvalidParameter)
}

// ValidateRenewalPolicy checks the mode and that the lifetime is at least an hour
func ValidateRenewalPolicy(p RenewalPolicy) error {
	err := validation.ValidateStruct(&p,
		validation.Field(&p.Mode, validation.Required, validation.In(RenewalModeAutomatic, RenewalModeManual)),
		validation.Field(&p.CertificateLifetime, validation.By(func(value interface{}) error {
			d, _ := value.(Duration)
			if d.Std() < MinCertificateLifetime {
				return fmt.Errorf("must be at least %s", Duration(MinCertificateLifetime))
			}
			return nil
		})),
	)
	return invalid(err)
}

// ValidatePreflightResult accepts PREPARED, FINISHED or the empty result
func ValidatePreflightResult(r PreflightResult) error {
	return invalid(validation.Validate(r, validation.In(PreflightUnknown, PreflightPrepared, PreflightFinished)))
}

// ValidateAltNames checks that every subject alternative name is a DNS name or an IP
func ValidateAltNames(names []string) error {
	return invalid(validation.Validate(names, validation.Each(validation.Required, validation.Length(1, 253), is.Host)))
}

// ValidateNodeID checks a data node identifier
func ValidateNodeID(id string) error {
	return invalid(validation.Validate(id, validation.Required, validation.Length(1, 128)))
}
