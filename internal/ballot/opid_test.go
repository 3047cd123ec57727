package ballot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationID_Deterministic(t *testing.T) {
	a := MustOperationID(OpCreateElection, ElectionTarget(7))
	b := MustOperationID(OpCreateElection, ElectionTarget(7))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestOperationID_DistinctInputs(t *testing.T) {
	ids := map[string]bool{
		MustOperationID(OpCreateElection, ElectionTarget(1)):          true,
		MustOperationID(OpCreateElection, ElectionTarget(2)):          true,
		MustOperationID(OpRegisterCandidate, CandidateTarget(1)):      true,
		MustOperationID(OpLinkRegistration, RegistrationTarget(1, 2)): true,
		MustOperationID(OpVote, VoteTarget(1, "alice")):               true,
	}
	assert.Len(t, ids, 5)
}

func TestOperationID_NFCNormalizedVoter(t *testing.T) {
	// "é" precomposed vs "e" + combining acute
	composed := MustOperationID(OpVote, VoteTarget(3, "Ren\u00e9"))
	decomposed := MustOperationID(OpVote, VoteTarget(3, "Rene\u0301"))
	assert.Equal(t, composed, decomposed)
}

func TestMarshalCanonical_SortedKeysNoHTMLEscape(t *testing.T) {
	out, err := marshalCanonical(map[string]any{
		"zebra": "<z>",
		"apple": int64(1),
		"mango": true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"apple":1,"mango":true,"zebra":"<z>"}`, string(out))
}

func TestMarshalCanonical_RejectsFloatsAndNull(t *testing.T) {
	_, err := marshalCanonical(map[string]any{"x": 1.5})
	assert.Error(t, err)

	_, err = marshalCanonical(map[string]any{"x": nil})
	assert.Error(t, err)
}
