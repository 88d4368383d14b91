package pluginhost

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{Kind: ReqProcess, SessionID: "sess-1", Mechanism: "password"}

	require.NoError(t, writeFrame(&buf, req))

	var decoded Request
	require.NoError(t, readFrame(&buf, &decoded))
	require.Equal(t, req, decoded)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 1<<30)
	buf.Write(lenBuf[:])

	var decoded Request
	err := readFrame(&buf, &decoded)
	require.Error(t, err)
}

func TestReadFrameFailsOnTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 100)
	buf.Write(lenBuf[:])
	buf.WriteString("short")

	var decoded Request
	err := readFrame(&buf, &decoded)
	require.Error(t, err)
}

func TestWriteFrameThenReadFrameMultipleMessages(t *testing.T) {
	var buf bytes.Buffer
	sig1 := Signal{Kind: SigResponse, SessionID: "s1"}
	sig2 := Signal{Kind: SigResponseFinal, SessionID: "s1"}

	require.NoError(t, writeFrame(&buf, sig1))
	require.NoError(t, writeFrame(&buf, sig2))

	var d1, d2 Signal
	require.NoError(t, readFrame(&buf, &d1))
	require.NoError(t, readFrame(&buf, &d2))
	require.Equal(t, sig1, d1)
	require.Equal(t, sig2, d2)
}
