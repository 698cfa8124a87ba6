package core

import "errors"

// ErrNotNegotiated reports data arriving on a link before its stream format
// is known, for example a frame reaching the display sink before any caps.
var ErrNotNegotiated = errors.New("stream format not negotiated")
