package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodePayload(t *testing.T) {
	r := require.New(t)
	var out bytes.Buffer
	r.NoError(decodePayload(&out, "user", "6869", false))
	r.Equal("user msg=\"hi\"\n", out.String())

	out.Reset()
	r.NoError(decodePayload(&out, "user", "6869", true))
	r.Contains(out.String(), "<nil>")

	r.Error(decodePayload(&out, "nosuch", "", false))
	r.Error(decodePayload(&out, "user", "zz", false))
	r.Error(decodePayload(&out, "read", "00", false))
}
