package evidence

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransportMultipart(t *testing.T) {
	type received struct {
		auth, requestID, metadata, metaType, filename, fileType string
		file                                                    []byte
	}
	got := make(chan received, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rec received
		rec.auth = r.Header.Get("Authorization")
		rec.requestID = r.Header.Get("X-Request-ID")

		reader, err := r.MultipartReader()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for {
			part, err := reader.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(part)
			switch part.FormName() {
			case "metadata":
				rec.metadata = string(data)
				rec.metaType = part.Header.Get("Content-Type")
			case "file":
				rec.file = data
				rec.filename = part.FileName()
				rec.fileType = part.Header.Get("Content-Type")
			}
		}
		got <- rec
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.Client())
	err := tr.Upload(context.Background(), &Upload{
		Type:     TypeSnapshot,
		URL:      srv.URL + "/snapshots/upload",
		Token:    "tok",
		Metadata: []byte(`{"meta":{}}`),
		Payload:  []byte{0xff, 0xd8, 0xff, 0xd9},
		Filename: "snapshot-1.jpg",
		MimeType: "image/jpeg",
	})
	require.NoError(t, err)

	rec := <-got
	assert.Equal(t, "Bearer tok", rec.auth)
	assert.Len(t, rec.requestID, 36)
	assert.Equal(t, `{"meta":{}}`, rec.metadata)
	assert.Equal(t, "application/json", rec.metaType)
	assert.Equal(t, "snapshot-1.jpg", rec.filename)
	assert.Equal(t, "image/jpeg", rec.fileType)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff, 0xd9}, rec.file)
}

func TestHTTPTransportStatusError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.Client())
	err := tr.Upload(context.Background(), &Upload{Type: TypeBrowserEvent, URL: srv.URL, Metadata: []byte(`{}`)})
	require.Error(t, err)

	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, http.StatusServiceUnavailable, terr.StatusCode)
	assert.Equal(t, TypeBrowserEvent, terr.Type)
	assert.Equal(t, int32(1), calls.Load(), "no retry")
}

func TestHTTPTransportConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewHTTPTransport(nil).Upload(context.Background(), &Upload{Type: TypeAudioChunk, URL: url, Metadata: []byte(`{}`)})
	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Zero(t, terr.StatusCode)
	assert.Error(t, terr.Unwrap())
}
