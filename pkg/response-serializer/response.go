package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// StoredResponse is the envelope persisted for every cache entry.
type StoredResponse struct {
	// Full cache key, including vary headers.
	Key string `msgpack:"key"`
	// The value of the clock at the time the response was stored.
	StoredAt time.Time `msgpack:"stored_at"`
	// HTTP/1.1 representation of the response.
	Response []byte `msgpack:"response"`
}

// Encode serializes the envelope.
func Encode(sRes StoredResponse) ([]byte, error) {
	return msgpack.Marshal(&sRes)
}

// Decode deserializes an envelope written by Encode.
func Decode(b []byte) (StoredResponse, error) {
	var sRes StoredResponse
	err := msgpack.Unmarshal(b, &sRes)
	return sRes, err
}

// BytesToResponse converts a byte slice to a http.Response.
// Every call returns a response with its own body reader.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}

// ResponseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response.
// The body of res is consumed and then set back, so res stays readable.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	body, err := readBody(res)
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))

	// write a shallow copy so the caller's response keeps its own body reader
	w := *res
	w.Proto, w.ProtoMajor, w.ProtoMinor = "HTTP/1.1", 1, 1
	w.Body = io.NopCloser(bytes.NewReader(body))
	w.ContentLength = int64(len(body))
	w.TransferEncoding = nil
	buf := &bytes.Buffer{}
	if err := w.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}

// Clone reads the body of res once and returns two responses with independent bodies.
// Neither copy shares a reader with the other, so both can be consumed fully.
// The original body is closed.
func Clone(res *http.Response) (*http.Response, *http.Response, error) {
	body, err := readBody(res)
	if err != nil {
		return nil, nil, err
	}
	a, b := *res, *res
	a.Header = res.Header.Clone()
	b.Header = res.Header.Clone()
	a.Body = io.NopCloser(bytes.NewReader(body))
	b.Body = io.NopCloser(bytes.NewReader(body))
	a.ContentLength = int64(len(body))
	b.ContentLength = int64(len(body))
	return &a, &b, nil
}

func readBody(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		return []byte{}, nil
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}
