package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWrap_MergesNonConflictingData verifies that re-wrapping an Error with
// the same kind and fresh data keys merges into the existing instance
// instead of growing the chain.
func TestWrap_MergesNonConflictingData(t *testing.T) {
	base := errors.New("connection refused")

	first := Wrap(base, KindDirectoryUnavailable, "", Data{"a": 1})
	second := Wrap(first, KindDirectoryUnavailable, "", Data{"b": 2})

	require.Same(t, first, second, "a non-conflicting wrap should return the same instance")
	assert.Equal(t, Data{"a": 1, "b": 2}, second.Data)
	assert.Equal(t, base, second.Cause, "the chain should still have a single node above the base error")
}

// TestWrap_ConflictCreatesNewNode verifies each kind of conflict produces a
// new chain node whose cause is the original Error.
func TestWrap_ConflictCreatesNewNode(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		message string
		data    Data
	}{
		{name: "different kind", kind: KindNoTargetFound},
		{name: "different message", message: "another message"},
		{name: "conflicting data key", data: Data{"domain": "b.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := New(KindDirectoryUnavailable, "directory down", Data{"domain": "a.com"})

			outer := Wrap(inner, tt.kind, tt.message, tt.data)

			require.NotSame(t, inner, outer)
			assert.Same(t, inner, outer.Cause)
			assert.Equal(t, Data{"domain": "a.com"}, inner.Data, "the inner error must not be mutated on conflict")
		})
	}
}

// TestWrap_Defaults verifies that the new node inherits kind and message
// from the wrapped error when none are supplied.
func TestWrap_Defaults(t *testing.T) {
	inner := New(KindScanFailed, "netstat failed", nil)
	outer := Wrap(inner, "", "", Data{"domain": "a.com"})
	// No conflict: merged, same instance.
	assert.Same(t, inner, outer)

	foreign := Wrap(fmt.Errorf("exit status 1"), "", "", nil)
	assert.Equal(t, KindInternal, foreign.Kind)
	assert.Equal(t, "exit status 1", foreign.Message)

	chained := Wrap(inner, "", "", Data{"x": 1})
	chained = Wrap(chained, "", "lookup failed", nil)
	assert.Equal(t, KindScanFailed, chained.Kind, "kind should default to the wrapped error's kind")
	assert.Equal(t, "lookup failed", chained.Message)
}

// TestWrap_NilError verifies that wrapping nil yields a fresh Error.
func TestWrap_NilError(t *testing.T) {
	e := Wrap(nil, KindRequest, "bad request", nil)
	require.NotNil(t, e)
	assert.Nil(t, e.Cause)
	assert.Equal(t, KindRequest, e.Kind)
}

// TestWrapMulti verifies that causes keep their order and nil entries are
// dropped.
func TestWrapMulti(t *testing.T) {
	a := errors.New("close http server")
	b := errors.New("close transport")

	e := WrapMulti([]error{a, nil, b}, "", "Errors while closing servers", nil)

	assert.Equal(t, []error{a, b}, e.Causes)
	assert.Equal(t, KindInternal, e.Kind)
	assert.Equal(t, "Errors while closing servers: [close http server; close transport]", e.Error())
	assert.ErrorIs(t, e, a)
	assert.ErrorIs(t, e, b)
}

// TestFlatten verifies depth-first, cause-before-effect ordering across both
// single and multi causes.
func TestFlatten(t *testing.T) {
	leafA := errors.New("a")
	leafB := errors.New("b")
	mid := Wrap(leafA, KindScanFailed, "scan", nil)
	multi := WrapMulti([]error{mid, leafB}, KindInternal, "multi", nil)
	top := Wrap(multi, KindRangeExhausted, "top", nil)

	got := Flatten(top, nil)
	assert.Equal(t, []error{leafA, mid, leafB, multi, top}, got)

	onlyTagged := Flatten(top, func(err error) error {
		if _, ok := err.(*Error); ok {
			return err
		}
		return nil
	})
	assert.Equal(t, []error{mid, multi, top}, onlyTagged)

	assert.Empty(t, Flatten(nil, nil))
}

// TestErrorIs_MatchesKindSentinels verifies errors.Is against kind
// sentinels through wrapping layers.
func TestErrorIs_MatchesKindSentinels(t *testing.T) {
	inner := New(KindNoTargetFound, "No process using this domain", Data{"domain": "a.com"})
	outer := Wrap(inner, KindDirectoryUnavailable, "unable to find service process for this domain", nil)
	wrappedStd := fmt.Errorf("request failed: %w", outer)

	assert.ErrorIs(t, wrappedStd, ErrNoTargetFound)
	assert.ErrorIs(t, wrappedStd, ErrDirectoryUnavailable)
	assert.NotErrorIs(t, wrappedStd, ErrRangeExhausted)

	var target *Error
	require.ErrorAs(t, wrappedStd, &target)
	assert.Same(t, outer, target)
}

// TestError_Message verifies the rendered message does not repeat itself
// when a wrap inherits its message.
func TestError_Message(t *testing.T) {
	base := errors.New("dial tcp 127.0.0.1:9000: connect: connection refused")

	inherited := Wrap(base, KindTransport, "", nil)
	assert.Equal(t, base.Error(), inherited.Error())

	described := Wrap(base, KindTransport, "forward failed", nil)
	assert.Equal(t, "forward failed: "+base.Error(), described.Error())

	bare := New(KindRangeExhausted, "", nil)
	assert.Equal(t, "RangeExhausted", bare.Error())
}

// TestKindOf verifies kind extraction for tagged and foreign errors.
func TestKindOf(t *testing.T) {
	assert.Equal(t, KindBind, KindOf(New(KindBind, "in use", nil)))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}
