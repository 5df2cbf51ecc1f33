package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/database"
	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/requirements"
	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "server-test-secret"
	testOrigin        = "https://grid.example.com"
)

type serverFixture struct {
	handler http.Handler
	hub     *realtime.Hub
	rows    *requirements.Service
	issuer  *auth.SessionIssuer
}

func newServerFixture(t *testing.T) serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:reqgrid_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	hub := realtime.NewHub(realtime.HubConfig{})
	rows, err := requirements.NewService(requirements.ServiceConfig{
		Database:   db,
		IDProvider: requirements.NewUUIDProvider(),
		Publisher:  NewHubPublisher(hub, nil),
	})
	if err != nil {
		t.Fatalf("failed to construct row service: %v", err)
	}
	actors, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct user service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Rows:           rows,
		Sessions:       validator,
		Actors:         actors,
		Hub:            hub,
		Metrics:        NewMetrics(hub),
		AllowedOrigins: []string{testOrigin},
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return serverFixture{handler: handler, hub: hub, rows: rows, issuer: issuer}
}

func (f serverFixture) token(t *testing.T, userID, name string) string {
	t.Helper()
	token, _, err := f.issuer.Issue(userID, userID+"@example.com", name, "")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (f serverFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode %q: %v", recorder.Body.String(), err)
	}
	return payload
}
