package protocol

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestFrameRoundTrip(t *testing.T) {
	reqs := []Request{
		{Kind: ReqEncrypt, Encrypt: &EncryptRequest{Path: "notes/wifi", Bytes: "NBSWY3DP"}},
		{Kind: ReqDecrypt, Decrypt: &DecryptRequest{Path: "missing"}},
		{Kind: ReqReload},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteRequestFrame(&buf, reqs))

	got, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, reqs, got)
}

func TestResponseFrameMixedOutcomes(t *testing.T) {
	resps := []Response{
		OkResponse(ResponseOk{Encrypt: &EncryptResult{}}),
		ErrResponse("IO: no such path"),
		OkResponse(ResponseOk{Reload: true}),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteResponseFrame(&buf, resps))

	got, err := ReadResponseFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, resps, got)
	require.NotNil(t, got[0].Ok)
	require.Equal(t, "IO: no such path", got[1].Err)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	buf := bytes.NewBufferString("999999999999\n")
	_, err := ReadFrame(bufio.NewReader(buf))
	require.Error(t, err)
}

func TestReadFrameRejectsMalformedLength(t *testing.T) {
	buf := bytes.NewBufferString("not-a-number\n")
	_, err := ReadFrame(bufio.NewReader(buf))
	require.Error(t, err)
}

func TestReadFrameRejectsTruncatedPayload(t *testing.T) {
	buf := bytes.NewBufferString("10\nshort")
	_, err := ReadFrame(bufio.NewReader(buf))
	require.Error(t, err)
}
