package evm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_ExplicitMarkers(t *testing.T) {
	transient := Classify(Transient(errors.New("rpc timed out")))
	assert.Equal(t, ClassTransient, transient.Class)
	assert.Equal(t, "explicit_transient", transient.Reason)

	terminal := Classify(Terminal(errors.New("transaction reverted on chain: 0xabc")))
	assert.Equal(t, ClassTerminal, terminal.Class)
	assert.Equal(t, "explicit_terminal", terminal.Reason)
}

func TestClassify_TransferErrors(t *testing.T) {
	testCases := []struct {
		name          string
		err           error
		expectedClass Class
	}{
		{
			name:          "nonce too low transient",
			err:           errors.New("nonce too low: next nonce 42, tx nonce 41"),
			expectedClass: ClassTransient,
		},
		{
			name:          "replacement underpriced transient",
			err:           errors.New("replacement transaction underpriced"),
			expectedClass: ClassTransient,
		},
		{
			name:          "underpriced transient",
			err:           errors.New("transaction underpriced: gas price 1000 wei, minimum needed 52000 wei"),
			expectedClass: ClassTransient,
		},
		{
			name:          "already known transient",
			err:           errors.New("already known"),
			expectedClass: ClassTransient,
		},
		{
			name:          "rate limited transient",
			err:           errors.New("too many requests"),
			expectedClass: ClassTransient,
		},
		{
			name:          "connection reset transient",
			err:           errors.New("read tcp 10.0.0.1:443: connection reset by peer"),
			expectedClass: ClassTransient,
		},
		{
			name:          "context deadline transient",
			err:           context.DeadlineExceeded,
			expectedClass: ClassTransient,
		},
		{
			name:          "context canceled terminal",
			err:           context.Canceled,
			expectedClass: ClassTerminal,
		},
		{
			name:          "insufficient funds terminal",
			err:           errors.New("insufficient funds for gas * price + value"),
			expectedClass: ClassTerminal,
		},
		{
			name:          "execution reverted terminal",
			err:           errors.New("execution reverted: ERC20: transfer amount exceeds balance"),
			expectedClass: ClassTerminal,
		},
		{
			name:          "gas allowance terminal",
			err:           errors.New("gas required exceeds allowance (21000)"),
			expectedClass: ClassTerminal,
		},
		{
			name:          "invalid sender terminal",
			err:           errors.New("invalid sender"),
			expectedClass: ClassTerminal,
		},
		{
			name:          "unknown defaults terminal",
			err:           errors.New("unexpected failure"),
			expectedClass: ClassTerminal,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			decision := Classify(tc.err)
			assert.Equal(t, tc.expectedClass, decision.Class)
		})
	}
}

func TestClassify_WrappedErrorsKeepClass(t *testing.T) {
	wrapped := Classify(errors.Join(errors.New("send airdrop tx"), errors.New("nonce too low")))
	assert.Equal(t, ClassTransient, wrapped.Class)
}

func TestPositiveHex(t *testing.T) {
	testCases := []struct {
		name     string
		in       string
		expected bool
	}{
		{name: "zero", in: "0x0000000000000000000000000000000000000000000000000000000000000000", expected: false},
		{name: "positive", in: "0x0000000000000000000000000000000000000000000000000de0b6b3a7640000", expected: true},
		{name: "bare zero", in: "0x0", expected: false},
		{name: "empty", in: "", expected: false},
		{name: "garbage", in: "0xzz", expected: false},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, positiveHex(tc.in))
		})
	}
}
