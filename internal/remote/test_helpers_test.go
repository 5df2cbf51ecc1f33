package remote

import (
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/database"
	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/requirements"
	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/server"
	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const testSigningSecret = "remote-test-secret"

type apiFixture struct {
	server *httptest.Server
	rows   *requirements.Service
	hub    *realtime.Hub
	issuer *auth.SessionIssuer
}

func newAPIFixture(t *testing.T) apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:reqgrid_remote_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db, nil); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	hub := realtime.NewHub(realtime.HubConfig{})
	rows, err := requirements.NewService(requirements.ServiceConfig{
		Database:   db,
		IDProvider: requirements.NewUUIDProvider(),
		Publisher:  server.NewHubPublisher(hub, nil),
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
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Rows:     rows,
		Sessions: validator,
		Actors:   actors,
		Hub:      hub,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	httpServer := httptest.NewServer(handler)
	t.Cleanup(func() {
		httpServer.CloseClientConnections()
		httpServer.Close()
		_ = sqlDB.Close()
	})
	return apiFixture{server: httpServer, rows: rows, hub: hub, issuer: issuer}
}

func (f apiFixture) token(t *testing.T, userID, name string) string {
	t.Helper()
	token, _, err := f.issuer.Issue(userID, "", name, "")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (f apiFixture) store(t *testing.T, token string) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{BaseURL: f.server.URL, Token: token})
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}
	return store
}
