package errors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithContext(t *testing.T) {
	err := WithContext(NotFound{Path: "a/b"}, "stat source")
	assert.Equal(t, `stat source: "a/b" does not exist`, err.Error())
	assert.True(t, IsNotFound(err))

	// Context chains nest.
	outer := WithContext(err, "scan")
	assert.Equal(t, `scan: stat source: "a/b" does not exist`, outer.Error())
	assert.True(t, IsNotFound(outer))
}

func TestGetPrintableMessage(t *testing.T) {
	friendly := NewFriendlyError("The pane %q doesn't exist.", "work")
	assert.Equal(t, `The pane "work" doesn't exist.`,
		GetPrintableMessage(friendly))

	// The friendly message wins even under context wrapping.
	assert.Equal(t, `The pane "work" doesn't exist.`,
		GetPrintableMessage(WithContext(friendly, "resolve target")))

	plain := WithContext(New("boom"), "transfer")
	assert.Equal(t, "transfer: boom", GetPrintableMessage(plain))
}

func TestKind(t *testing.T) {
	tests := map[string]error{
		"":                   nil,
		"NotFound":           NotFound{Path: "x"},
		"PermissionDenied":   WithContext(PermissionDenied{Path: "x"}, "list"),
		"AlreadyExists":      AlreadyExists{Path: "x"},
		"Unsupported":        Unsupported{Op: "rename"},
		"VerificationFailed": VerificationFailed{Path: "x"},
		"ProtocolViolation":  ProtocolViolation{Line: "junk"},
		"Transport":          Transport{Err: New("broken pipe")},
		"Cancelled":          context.Canceled,
		"Unknown":            New("anything else"),
	}
	for exp, err := range tests {
		assert.Equal(t, exp, Kind(err))
	}
}

func TestKindCancelledWrapped(t *testing.T) {
	assert.Equal(t, "Cancelled", Kind(WithContext(ErrCancelled, "copy")))
}
