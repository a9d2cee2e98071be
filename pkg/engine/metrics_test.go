package engine

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/sergey-melnychuk/yalskv/pkg/segment"
)

func TestErrorType(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("append: %w: %w", segment.ErrIO, os.ErrClosed), "io"},
		{fmt.Errorf("read: %w", segment.ErrCorruptRecord), "corrupt"},
		{ErrEngineClosed, "closed"},
		{errors.New("boom"), "other"},
	}
	for _, tc := range cases {
		if got := errorType(tc.err); got != tc.want {
			t.Errorf("errorType(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
