package exam

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMissing(t *testing.T) {
	assert.Empty(t, Context{SessionID: "s", ExamID: "e", CandidateID: "c"}.Missing())
	assert.Equal(t, []string{"session_id", "candidate_id"}, Context{ExamID: "e"}.Missing())
}
