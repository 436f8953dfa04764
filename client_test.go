package loqui

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Error taxonomy
// ============================================================================

func TestStatusErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"unauthorized", http.StatusUnauthorized, func(t *testing.T, err error) {
			var e *AuthenticationError
			require.ErrorAs(t, err, &e)
			assert.Equal(t, "token expired", e.Reason)
		}},
		{"forbidden", http.StatusForbidden, func(t *testing.T, err error) {
			var e *PermissionError
			require.ErrorAs(t, err, &e)
		}},
		{"not found", http.StatusNotFound, func(t *testing.T, err error) {
			var e *NotFoundError
			require.ErrorAs(t, err, &e)
		}},
		{"bad request", http.StatusBadRequest, func(t *testing.T, err error) {
			var e *ValidationError
			require.ErrorAs(t, err, &e)
		}},
		{"unprocessable", http.StatusUnprocessableEntity, func(t *testing.T, err error) {
			var e *ValidationError
			require.ErrorAs(t, err, &e)
		}},
		{"server error", http.StatusInternalServerError, func(t *testing.T, err error) {
			var e *ConnectionError
			require.ErrorAs(t, err, &e)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeEnvelope(w, tc.status, Result{OK: false, Error: &APIError{Message: "token expired"}})
			}))
			defer srv.Close()

			client := NewClient("tok", WithBaseURL(srv.URL))
			_, err := client.ListConversations(context.Background(), 1, 10, "")
			tc.check(t, err)
		})
	}
}

func TestRequestCarriesBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeData(w, ConversationPage{})
	}))
	defer srv.Close()

	client := NewClient("secret-token", WithBaseURL(srv.URL))
	_, err := client.ListConversations(context.Background(), 1, 10, "")
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

// ============================================================================
// Envelope decoding
// ============================================================================

func TestListConversationsDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		assert.Equal(t, string(SortLastMessage), r.URL.Query().Get("sort"))
		writeData(w, ConversationPage{
			Conversations: []Conversation{{ID: "c1", Name: "Support"}},
			Page:          1,
			HasMore:       true,
		})
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	page, err := client.ListConversations(context.Background(), 1, 25, SortLastMessage)
	require.NoError(t, err)
	require.Len(t, page.Conversations, 1)
	assert.Equal(t, "c1", page.Conversations[0].ID)
	assert.True(t, page.HasMore)
}

func TestEnvelopeErrorSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// HTTP 200 but a failed envelope, e.g. a partial outage.
		writeEnvelope(w, http.StatusOK, Result{OK: false, Error: &APIError{Code: "E_DOWN", Message: "try later"}})
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	_, err := client.GetMessages(context.Background(), "c1", 1, 10)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "E_DOWN", apiErr.Code)
}

func TestCreateConversationRequiresParticipants(t *testing.T) {
	client := NewClient("tok")
	var valErr *ValidationError
	_, err := client.CreateConversation(context.Background(), &CreateConversationRequest{})
	require.ErrorAs(t, err, &valErr)
	_, err = client.CreateConversation(context.Background(), nil)
	require.ErrorAs(t, err, &valErr)
}

// ============================================================================
// Uploads
// ============================================================================

func TestUploadPostsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "notes.txt", header.Filename)

		writeData(w, UploadResult{FileMeta: FileMeta{Name: header.Filename, Size: header.Size}})
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	res, err := client.Upload(context.Background(), "c1", "notes.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", res.FileMeta.Name)
}
