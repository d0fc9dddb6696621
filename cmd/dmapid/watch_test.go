package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAborts(t *testing.T) {
	r := require.New(t)

	got, err := parseAborts([]string{"create:1", "read:13"})
	r.NoError(err)
	r.Equal(map[string]int{"create": 1, "read": 13}, got)

	_, err = parseAborts([]string{"create"})
	r.Error(err)
	_, err = parseAborts([]string{"create:0"})
	r.Error(err)
	_, err = parseAborts([]string{"create:x"})
	r.Error(err)
}
