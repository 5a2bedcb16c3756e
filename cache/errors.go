package cache

import (
	"fmt"

	"github.com/saiset-co/kpulse/types"
)

// FetchError is returned to every caller that waited on a failed refresh.
type FetchError struct {
	Key         string
	ContentType ContentType
	Err         error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s %q: %v", types.ErrFetchFailed, e.ContentType, e.Key, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{types.ErrFetchFailed, e.Err}
}
