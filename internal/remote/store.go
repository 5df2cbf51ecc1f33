package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/collab"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 15 * time.Second

var (
	// ErrNotFound indicates that the server has no row with the requested id.
	ErrNotFound = errors.New("remote: row not found")
	// ErrUnauthorized indicates that the session token was rejected.
	ErrUnauthorized = errors.New("remote: unauthorized")

	errMissingBaseURL = errors.New("remote: base url is required")
	errMissingToken   = errors.New("remote: session token is required")
)

// StatusError reports a non-success response together with the server's error code.
type StatusError struct {
	StatusCode int
	Code       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote: status %d: %s", e.StatusCode, e.Code)
}

// StoreConfig configures the HTTP row store.
type StoreConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Store implements collab.RowStore against the reqgrid HTTP API.
type Store struct {
	baseURL *url.URL
	token   string
	client  *http.Client
	logger  *zap.Logger
}

var _ collab.RowStore = (*Store)(nil)

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	base, err := parseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errMissingToken
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{baseURL: base, token: strings.TrimSpace(cfg.Token), client: client, logger: logger}, nil
}

type actorResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

type rowListResponse struct {
	Rows []collab.Row `json:"rows"`
}

type versionResponse struct {
	Version int64 `json:"version"`
}

type writeRequest struct {
	Properties      collab.Properties `json:"properties"`
	ExpectedVersion int64             `json:"expected_version"`
}

type insertRequest struct {
	RowID      string            `json:"row_id,omitempty"`
	Properties collab.Properties `json:"properties"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// CurrentActor asks the server which actor the session token resolves to.
func (s *Store) CurrentActor(ctx context.Context) (collab.Actor, error) {
	var response actorResponse
	if err := s.do(ctx, http.MethodGet, "session", nil, &response); err != nil {
		return collab.Actor{}, err
	}
	return collab.Actor{ID: response.ID, Name: response.Name, AvatarURL: response.AvatarURL}, nil
}

// ListRows loads the rows of a block in display order.
func (s *Store) ListRows(ctx context.Context, blockID string) ([]collab.Row, error) {
	var response rowListResponse
	if err := s.do(ctx, http.MethodGet, "blocks/"+url.PathEscape(blockID)+"/rows", nil, &response); err != nil {
		return nil, err
	}
	return response.Rows, nil
}

// FetchRow loads the authoritative state of a row.
func (s *Store) FetchRow(ctx context.Context, rowID string) (collab.Row, error) {
	var row collab.Row
	if err := s.do(ctx, http.MethodGet, "rows/"+url.PathEscape(rowID), nil, &row); err != nil {
		return collab.Row{}, err
	}
	return row, nil
}

// FetchVersion loads only the current version of a row.
func (s *Store) FetchVersion(ctx context.Context, rowID string) (int64, error) {
	var response versionResponse
	if err := s.do(ctx, http.MethodGet, "rows/"+url.PathEscape(rowID)+"/version", nil, &response); err != nil {
		return 0, err
	}
	return response.Version, nil
}

// WriteRow performs the conditional write. A 409 surfaces as collab.ErrVersionMismatch.
// Authorship is taken from the session on the server.
func (s *Store) WriteRow(ctx context.Context, write collab.RowWrite) (collab.Row, error) {
	var row collab.Row
	err := s.do(ctx, http.MethodPatch, "rows/"+url.PathEscape(write.RowID), writeRequest{
		Properties:      write.Properties,
		ExpectedVersion: write.ExpectedVersion,
	}, &row)
	if err != nil {
		return collab.Row{}, err
	}
	return row, nil
}

// InsertRow appends a row to a block; an empty rowID lets the server pick one.
func (s *Store) InsertRow(ctx context.Context, blockID, rowID string, properties collab.Properties) (collab.Row, error) {
	if properties == nil {
		properties = collab.Properties{}
	}
	var row collab.Row
	err := s.do(ctx, http.MethodPost, "blocks/"+url.PathEscape(blockID)+"/rows", insertRequest{
		RowID:      rowID,
		Properties: properties,
	}, &row)
	if err != nil {
		return collab.Row{}, err
	}
	return row, nil
}

func (s *Store) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	// JoinPath treats its elements as escaped paths.
	endpoint := s.baseURL.JoinPath(path)
	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+s.token)
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		return s.statusError(method, path, response)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("remote: decode %s %s: %w", method, path, err)
	}
	return nil
}

func (s *Store) statusError(method, path string, response *http.Response) error {
	var payload errorResponse
	_ = json.NewDecoder(io.LimitReader(response.Body, 64*1024)).Decode(&payload)
	statusErr := &StatusError{StatusCode: response.StatusCode, Code: payload.Error}
	switch response.StatusCode {
	case http.StatusConflict:
		return fmt.Errorf("%w: %w", collab.ErrVersionMismatch, statusErr)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, statusErr)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", ErrUnauthorized, statusErr)
	default:
		s.logger.Warn("remote request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", response.StatusCode),
			zap.String("code", payload.Error),
		)
		return statusErr
	}
}

func parseBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errMissingBaseURL
	}
	base, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported scheme %q", base.Scheme)
	}
	return base, nil
}
