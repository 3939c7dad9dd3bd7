package util

import (
	"testing"

	"github.com/smartystreets/assertions"
	"github.com/stretchr/testify/assert"
)

func TestChecksumStable(t *testing.T) {
	a := Checksum([]byte("788788"))
	b := Checksum([]byte("788788"))
	assert.Empty(t, assertions.ShouldEqual(a, b))
	assert.NotEqual(t, Checksum([]byte("1")), Checksum([]byte("2")))
}

func TestChecksum(t *testing.T) {
	data := []byte("log entry payload")
	sum := Checksum(data)
	assert.Equal(t, sum, Checksum(data))
	data[0] ^= 0xFF
	assert.NotEqual(t, sum, Checksum(data))
}
