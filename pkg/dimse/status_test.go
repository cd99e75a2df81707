package dimse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := map[uint16]Category{
		0x0000: CategorySuccess,
		0xFF00: CategoryPending,
		0xFF01: CategoryPending,
		0x0001: CategoryWarning,
		0xB000: CategoryWarning,
		0xB007: CategoryWarning,
		0xFE00: CategoryFailure,
		0xA700: CategoryFailure,
		0xA702: CategoryFailure,
		0xC000: CategoryFailure,
		0x0110: CategoryFailure,
	}
	for status, want := range cases {
		assert.Equal(t, want, Classify(status), "status 0x%04X", status)
	}
}
