package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubmitError_Retryable(t *testing.T) {
	tests := []struct {
		name        string
		err         *SubmitError
		retryable   bool
		unconfirmed bool
	}{
		{
			name:      "nothing sent",
			err:       &SubmitError{Stage: StagePrepare, Err: errors.New("eof")},
			retryable: true,
		},
		{
			name: "gas estimation reverted",
			err:  &SubmitError{Stage: StagePrepare, Err: fmt.Errorf("%w: reverted", ErrRejected)},
		},
		{
			name:      "node refused broadcast",
			err:       &SubmitError{Stage: StageBroadcast, Signature: "0xabc", Refused: true, Err: errors.New("nonce too low")},
			retryable: true,
		},
		{
			name:        "broadcast lost in transit",
			err:         &SubmitError{Stage: StageBroadcast, Signature: "0xabc", Err: errors.New("connection reset")},
			unconfirmed: true,
		},
		{
			name:        "confirmation timed out",
			err:         &SubmitError{Stage: StageConfirm, Signature: "0xabc", Err: ErrConfirmationTimeout},
			unconfirmed: true,
		},
		{
			name: "reverted on chain",
			err:  &SubmitError{Stage: StageConfirm, Signature: "0xabc", Err: ErrRejected},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("chunk 3: %w", tt.err)
			assert.Equal(t, tt.retryable, IsRetryableSubmit(wrapped))

			sig, ok := Unconfirmed(wrapped)
			assert.Equal(t, tt.unconfirmed, ok)
			if ok {
				assert.Equal(t, "0xabc", sig)
			}
		})
	}

	assert.False(t, IsRetryableSubmit(errors.New("plain")))
}

func TestBatch_TransferCount(t *testing.T) {
	b := &Batch{Instructions: []Instruction{
		CreateAccountInstruction("0x1", "0x1a", "0xt"),
		TransferInstruction("0x1", "0x1a", "0xt", big.NewInt(5)),
		TransferInstruction("0x2", "0x2a", "0xt", big.NewInt(5)),
	}}
	assert.Equal(t, 2, b.TransferCount())
}
