package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"iot-telemetry/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordedMail struct {
	auth string
	mail sendGridMail
}

func newSendGridServer(t *testing.T, status int) (*httptest.Server, *[]recordedMail, *sync.Mutex) {
	var (
		mu  sync.Mutex
		got []recordedMail
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m sendGridMail
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		mu.Lock()
		got = append(got, recordedMail{auth: r.Header.Get("Authorization"), mail: m})
		mu.Unlock()
		w.WriteHeader(status)
		if status >= 400 {
			_, _ = w.Write([]byte(`{"errors":[{"message":"bad request"}]}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &got, &mu
}

func TestSend_Success(t *testing.T) {
	srv, got, _ := newSendGridServer(t, http.StatusAccepted)
	n := NewEmailNotifier(srv.URL, "sg-key", "alerts@example.com", "Smart Weather Data Lab", 5*time.Second, zap.NewNop())

	require.NoError(t, n.Send(context.Background(), "user@example.com", "subject", "body"))

	require.Len(t, *got, 1)
	rec := (*got)[0]
	assert.Equal(t, "Bearer sg-key", rec.auth)
	assert.Equal(t, "alerts@example.com", rec.mail.From.Email)
	assert.Equal(t, "Smart Weather Data Lab", rec.mail.From.Name)
	assert.Equal(t, "user@example.com", rec.mail.Personalizations[0].To[0].Email)
	assert.Equal(t, "subject", rec.mail.Subject)
	assert.Equal(t, "text/plain", rec.mail.Content[0].Type)
	assert.Equal(t, "body", rec.mail.Content[0].Value)
}

func TestSend_ClientError(t *testing.T) {
	srv, got, _ := newSendGridServer(t, http.StatusBadRequest)
	n := NewEmailNotifier(srv.URL, "sg-key", "alerts@example.com", "", 5*time.Second, zap.NewNop())

	err := n.Send(context.Background(), "user@example.com", "s", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Len(t, *got, 1, "4xx is not retried")
}

func TestNotify_SkipsUsersWithoutEmail(t *testing.T) {
	srv, got, _ := newSendGridServer(t, http.StatusAccepted)
	n := NewEmailNotifier(srv.URL, "sg-key", "alerts@example.com", "", 5*time.Second, zap.NewNop())

	rule := models.AlertRule{ID: 1, Name: "Too hot", Priority: "High", NotificationMethod: "Email"}
	users := []models.User{
		{ID: 1, Email: "a@example.com"},
		{ID: 2},
		{ID: 3, Email: "c@example.com"},
	}
	require.NoError(t, n.Notify(context.Background(), rule, users, "sensor 11 exceeded"))

	require.Len(t, *got, 2)
	assert.Equal(t, "[High] Alert: Too hot", (*got)[0].mail.Subject)
	assert.Equal(t, "sensor 11 exceeded", (*got)[1].mail.Content[0].Value)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "Alert: rule 7", Subject(models.AlertRule{ID: 7}))
	assert.Equal(t, "[Low] Alert: Dry", Subject(models.AlertRule{ID: 7, Name: "Dry", Priority: "Low"}))
}
