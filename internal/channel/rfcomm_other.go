//go:build !linux

package channel

import (
	"context"
	"errors"
	"fmt"
)

// DialRFCOMM is only implemented on Linux.
func DialRFCOMM(ctx context.Context, address string, channel uint8) (Link, error) {
	return nil, fmt.Errorf("rfcomm: %w", errors.ErrUnsupported)
}
