package vectorindex

import (
	"errors"
	"fmt"
)

var errUnavailable = errors.New("vector store unavailable")

func errDimMismatch(id string, got, want int) error {
	return fmt.Errorf("vector dim mismatch for id=%s, got=%d want=%d", id, got, want)
}
