package rate

import "errors"

// ErrRateLimited is returned once a caller exhausts its budget.
var ErrRateLimited = errors.New("rate limited")
