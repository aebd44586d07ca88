package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"examseal/internal/sealerr"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"chain broken", fmt.Errorf("verify: %w", sealerr.ErrChainBroken), 3},
		{"integrity", sealerr.ErrIntegrityMismatch, 3},
		{"permission", sealerr.ErrPermissionDenied, 4},
		{"too early", sealerr.ErrReleaseTooEarly, 5},
		{"storage", fmt.Errorf("write page: %w", sealerr.ErrStorageIO), 75},
		{"tampered storage", errors.Join(sealerr.ErrStorageIO, sealerr.ErrChainBroken), 3},
		{"other", errors.New("boom"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}
