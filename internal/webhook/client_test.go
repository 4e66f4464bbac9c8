package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify-engine/internal/model"
	apperrors "github.com/jwalitptl/notify-engine/pkg/errors"
)

func testPayload() model.WirePayload {
	n := &model.Notification{ID: "n1", Type: model.TypeTaskCompleted, UserID: "u1", Title: "Done"}
	return model.NewWirePayload(n, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
}

func TestSendSignsBody(t *testing.T) {
	var (
		gotBody []byte
		gotSig  string
		gotID   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(HeaderSignature)
		gotID = r.Header.Get(HeaderNotificationID)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewClient(time.Second).Send(context.Background(), srv.URL, "s3cret", testPayload())
	require.NoError(t, err)

	assert.Equal(t, "n1", gotID)
	assert.Equal(t, Sign("s3cret", gotBody), gotSig)
	assert.Len(t, gotSig, 64)

	var wire model.WirePayload
	require.NoError(t, json.Unmarshal(gotBody, &wire))
	assert.Equal(t, "user:u1", wire.Room)
}

func TestSendNon2xxIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewClient(time.Second).Send(context.Background(), srv.URL, "s3cret", testPayload())
	var terr *apperrors.TransientChannelError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusServiceUnavailable, terr.StatusCode)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestSendUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewClient(time.Second).Send(context.Background(), url, "s3cret", testPayload())
	assert.Equal(t, apperrors.TypeTransient, apperrors.Type(err))
}

func TestSignIsDeterministic(t *testing.T) {
	body := []byte(`{"a":1}`)
	assert.Equal(t, Sign("k", body), Sign("k", body))
	assert.NotEqual(t, Sign("k", body), Sign("other", body))
}
