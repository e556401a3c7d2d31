// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package errutil_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"

	"github.com/sandhost/sandhost/pkg/errutil"
)

func TestAssertErrorCode_MatchingCode(t *testing.T) {
	err := oops.Code(errutil.CodeTimeout).Errorf("too slow")
	errutil.AssertErrorCode(t, err, errutil.CodeTimeout)
}

func TestAssertErrorContext_MatchingKeyValue(t *testing.T) {
	err := oops.With("plugin", "echo").Errorf("test error")
	errutil.AssertErrorContext(t, err, "plugin", "echo")
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain error", err: errors.New("x"), want: ""},
		{name: "coded", err: oops.Code(errutil.CodeSecurity).Errorf("bad"), want: errutil.CodeSecurity},
		{
			name: "wrapped by fmt",
			err:  fmt.Errorf("outer: %w", oops.Code(errutil.CodePermission).Errorf("denied")),
			want: errutil.CodePermission,
		},
		{
			name: "inner code survives oops wrap",
			err:  oops.In("loader").Wrap(oops.Code(errutil.CodeTimeout).Errorf("deadline")),
			want: errutil.CodeTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errutil.CodeOf(tt.err))
			if tt.want != "" {
				assert.True(t, errutil.HasCode(tt.err, tt.want))
			}
		})
	}
}
