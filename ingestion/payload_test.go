package ingestion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/sales-rag/domain"
)

func TestDecodePayloadVariants(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		kind PayloadKind
		data string
	}{
		{"node buffer", `{"type":"Buffer","data":[104,105]}`, PayloadDirectBuffer, "hi"},
		{"byte array", `[104,105]`, PayloadDirectBuffer, "hi"},
		{"base64 string", `"aGVsbG8="`, PayloadBase64String, "hello"},
		{"data uri", `"data:text/plain;base64,aGVsbG8="`, PayloadBase64String, "hello"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := DecodePayload(json.RawMessage(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.kind, p.Kind)
			assert.Equal(t, tc.data, string(p.Data))
		})
	}
}

func TestDecodePayloadNestedContent(t *testing.T) {
	p, err := DecodePayload(json.RawMessage(`{"successful":true,"data":{"content":"aGVsbG8="}}`))
	require.NoError(t, err)

	assert.Equal(t, PayloadNestedContentField, p.Kind)
	assert.Equal(t, "data", p.Field)
	require.NotNil(t, p.Inner)
	assert.Equal(t, PayloadNestedContentField, p.Inner.Kind)
	assert.Equal(t, "content", p.Inner.Field)
	assert.Equal(t, PayloadBase64String, p.Inner.Inner.Kind)

	data, err := NewPayloadFetcher(time.Second, 0).Bytes(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestDecodePayloadRemoteURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("remote file"))
	}))
	defer server.Close()

	p, err := DecodePayload(json.RawMessage(`{"downloadUrl":"` + server.URL + `/file"}`))
	require.NoError(t, err)
	assert.Equal(t, PayloadRemoteURLPointer, p.Kind)

	data, err := NewPayloadFetcher(time.Second, 1024, WithPrivateAddresses()).Bytes(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "remote file", string(data))

	_, err = NewPayloadFetcher(time.Second, 4, WithPrivateAddresses()).Bytes(context.Background(), p)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestPayloadFetcherBlocksNonPublicAddresses(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("internal secret"))
	}))
	defer server.Close()

	fetcher := NewPayloadFetcher(time.Second, 1024)
	for _, target := range []string{
		server.URL + "/file",
		"http://169.254.169.254/latest/meta-data/",
		"http://10.0.0.7/export",
		"http://[::1]:9/file",
	} {
		_, err := fetcher.Bytes(context.Background(), &Payload{Kind: PayloadRemoteURLPointer, URL: target})
		require.ErrorIs(t, err, domain.ErrInvalidInput, target)
	}
	assert.Zero(t, hits.Load())
}

func TestPayloadFetcherAllowedHosts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("allowed"))
	}))
	defer server.Close()

	p := &Payload{Kind: PayloadRemoteURLPointer, URL: server.URL + "/file"}

	allowed := NewPayloadFetcher(time.Second, 1024, WithPrivateAddresses(), WithAllowedHosts("127.0.0.1"))
	data, err := allowed.Bytes(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "allowed", string(data))

	denied := NewPayloadFetcher(time.Second, 1024, WithPrivateAddresses(), WithAllowedHosts("files.example.com"))
	_, err = denied.Bytes(context.Background(), p)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = denied.Bytes(context.Background(), &Payload{Kind: PayloadRemoteURLPointer, URL: "ftp://files.example.com/a"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestIsPublicAddr(t *testing.T) {
	for addr, want := range map[string]bool{
		"8.8.8.8":         true,
		"2606:4700::1111": true,
		"127.0.0.1":       false,
		"10.1.2.3":        false,
		"172.16.0.1":      false,
		"192.168.1.1":     false,
		"169.254.169.254": false,
		"100.64.0.1":      false,
		"0.0.0.0":         false,
		"::1":             false,
		"fe80::1":         false,
		"fd00::1":         false,
	} {
		assert.Equal(t, want, isPublicAddr(netip.MustParseAddr(addr)), addr)
	}
}

func TestDecodePayloadUnrecognized(t *testing.T) {
	_, err := DecodePayload(json.RawMessage(`{"status":"ok","meta":{"size":3}}`))
	require.ErrorIs(t, err, domain.ErrUnrecognizedPayloadShape)

	var shapeErr *domain.UnrecognizedPayloadShapeError
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, []string{"meta", "status"}, shapeErr.Keys)

	_, err = DecodePayload(json.RawMessage(`42`))
	assert.ErrorIs(t, err, domain.ErrUnrecognizedPayloadShape)

	_, err = DecodePayload(json.RawMessage(`[1, 999]`))
	assert.ErrorIs(t, err, domain.ErrUnrecognizedPayloadShape)
}
