package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoreValidate(t *testing.T) {
	s := New()
	s.Add("alice", "wonderland")
	s.Add("bob", "builder")

	assert.True(t, s.Validate("alice", "wonderland"))
	assert.True(t, s.Validate("bob", "builder"))
	assert.False(t, s.Validate("alice", "builder"))
	assert.False(t, s.Validate("carol", "anything"))
	assert.Equal(t, 2, s.Len())
}

func TestStoreAddIsIdempotent(t *testing.T) {
	s := New()
	s.Add("alice", "pw")
	s.Add("alice", "pw")
	assert.Equal(t, 1, s.Len())
}

func TestEmptyStoreRejectsEverything(t *testing.T) {
	s := New()
	assert.False(t, s.Validate("anyone", "anything"))
	assert.Equal(t, 0, s.Len())
}
