package handlers

//go:generate mockgen -source=identify.go -destination=mocks/identify_mock.go -package=mocks Reconciler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"bitespeed/internal/domainerrors"
	"bitespeed/internal/handlers/mocks"
	"bitespeed/internal/models"
)

type IdentifyHandlerSuite struct {
	suite.Suite
	ctrl        *gomock.Controller
	mockService *mocks.MockReconciler
	health      *HealthHandler
	router      http.Handler
}

func TestIdentifyHandlerSuite(t *testing.T) {
	suite.Run(t, new(IdentifyHandlerSuite))
}

func (s *IdentifyHandlerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.mockService = mocks.NewMockReconciler(s.ctrl)
	s.health = NewHealthHandler("test")
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	s.router = NewRouter(RouterConfig{
		Identify:     NewIdentifyHandler(s.mockService, logger),
		Health:       s.health,
		Logger:       logger,
		MaxBodyBytes: 256,
	})
}

func (s *IdentifyHandlerSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *IdentifyHandlerSuite) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func ptr(v string) *string { return &v }

func (s *IdentifyHandlerSuite) TestIdentify_Success() {
	want := &models.IdentifyResponse{Contact: models.ContactResponse{
		PrimaryContactID:    1,
		Emails:              []string{"lorraine@hillvalley.edu", "mcfly@hillvalley.edu"},
		PhoneNumbers:        []string{"123456"},
		SecondaryContactIDs: []int64{23},
	}}
	s.mockService.EXPECT().
		Identify(gomock.Any(), models.IdentifyRequest{Email: ptr("mcfly@hillvalley.edu"), PhoneNumber: ptr("123456")}).
		Return(want, nil)

	rec := s.do(http.MethodPost, "/identify", `{"email":"mcfly@hillvalley.edu","phoneNumber":"123456"}`)

	s.Equal(http.StatusOK, rec.Code)
	s.Equal("application/json", rec.Header().Get("Content-Type"))
	s.JSONEq(`{"contact":{
		"primaryContactId":1,
		"emails":["lorraine@hillvalley.edu","mcfly@hillvalley.edu"],
		"phoneNumbers":["123456"],
		"secondaryContactIds":[23]
	}}`, rec.Body.String())
}

func (s *IdentifyHandlerSuite) TestIdentify_NumericPhoneOnApiPath() {
	s.mockService.EXPECT().
		Identify(gomock.Any(), models.IdentifyRequest{PhoneNumber: ptr("123456")}).
		Return(&models.IdentifyResponse{Contact: models.ContactResponse{
			PrimaryContactID:    7,
			Emails:              []string{},
			PhoneNumbers:        []string{"123456"},
			SecondaryContactIDs: []int64{},
		}}, nil)

	rec := s.do(http.MethodPost, "/api/identify", `{"email":null,"phoneNumber":123456}`)

	s.Equal(http.StatusOK, rec.Code)
	var got models.IdentifyResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &got))
	s.Equal(int64(7), got.Contact.PrimaryContactID)
	s.Equal([]string{}, got.Contact.Emails)
}

func (s *IdentifyHandlerSuite) TestIdentify_InvalidJSON() {
	rec := s.do(http.MethodPost, "/identify", "not valid json")

	s.Equal(http.StatusBadRequest, rec.Code)
	s.Contains(rec.Body.String(), `"error":"validation_failed"`)
}

func (s *IdentifyHandlerSuite) TestIdentify_BodyTooLarge() {
	body := `{"email":"` + strings.Repeat("a", 512) + `@x.com"}`

	rec := s.do(http.MethodPost, "/identify", body)

	s.Equal(http.StatusRequestEntityTooLarge, rec.Code)
}

func (s *IdentifyHandlerSuite) TestIdentify_ErrorMapping() {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantDesc   string
	}{
		{
			name:       "validation",
			err:        domainerrors.New(domainerrors.CodeValidation, "either email or phoneNumber must be provided"),
			wantStatus: http.StatusBadRequest,
			wantCode:   "validation_failed",
			wantDesc:   "either email or phoneNumber must be provided",
		},
		{
			name:       "conflict",
			err:        domainerrors.New(domainerrors.CodeConflict, "concurrent update"),
			wantStatus: http.StatusConflict,
			wantCode:   "conflict",
			wantDesc:   "concurrent update",
		},
		{
			name:       "timeout",
			err:        domainerrors.New(domainerrors.CodeTimeout, "identify timed out"),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "timeout",
			wantDesc:   "identify timed out",
		},
		{
			name:       "data access",
			err:        domainerrors.Wrap(errors.New("pq: connection refused"), domainerrors.CodeDataAccess, "contact store failure"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "data_access_failed",
			wantDesc:   "internal server error",
		},
		{
			name:       "invariant violation",
			err:        domainerrors.New(domainerrors.CodeInvariantViolation, "contact 3 links to secondary contact 2"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "invariant_violation",
			wantDesc:   "internal server error",
		},
		{
			name:       "unclassified",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "internal_error",
			wantDesc:   "internal server error",
		},
	}

	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.mockService.EXPECT().Identify(gomock.Any(), gomock.Any()).Return(nil, tc.err)

			rec := s.do(http.MethodPost, "/identify", `{"email":"a@x.com"}`)

			s.Equal(tc.wantStatus, rec.Code)
			var body errorResponse
			s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
			s.Equal(tc.wantCode, body.Error)
			s.Equal(tc.wantDesc, body.ErrorDescription)
		})
	}
}

func (s *IdentifyHandlerSuite) TestIdentify_MethodNotAllowed() {
	rec := s.do(http.MethodGet, "/identify", "")

	s.Equal(http.StatusMethodNotAllowed, rec.Code)
}

func (s *IdentifyHandlerSuite) TestIdentify_PanicRecovered() {
	s.mockService.EXPECT().Identify(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, models.IdentifyRequest) (*models.IdentifyResponse, error) {
			panic("unexpected")
		})

	rec := s.do(http.MethodPost, "/identify", `{"email":"a@x.com"}`)

	s.Equal(http.StatusInternalServerError, rec.Code)
}

func (s *IdentifyHandlerSuite) TestRequestIDPropagation() {
	s.mockService.EXPECT().Identify(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ models.IdentifyRequest) (*models.IdentifyResponse, error) {
			s.Equal("req-123", RequestIDFromContext(ctx))
			return &models.IdentifyResponse{}, nil
		})

	req := httptest.NewRequest(http.MethodPost, "/identify", strings.NewReader(`{"email":"a@x.com"}`))
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	s.Equal("req-123", rec.Header().Get("X-Request-ID"))
}

func (s *IdentifyHandlerSuite) TestRequestIDReplacedWhenUnsafe() {
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "bad id\nwith newline")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	got := rec.Header().Get("X-Request-ID")
	s.NotEmpty(got)
	s.NotEqual("bad id\nwith newline", got)
}

func (s *IdentifyHandlerSuite) TestBanner() {
	rec := s.do(http.MethodGet, "/", "")

	s.Equal(http.StatusOK, rec.Code)
	s.Equal(banner, rec.Body.String())
}

func (s *IdentifyHandlerSuite) TestHealthProbes() {
	rec := s.do(http.MethodGet, "/health/live", "")
	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"status":"alive"}`, rec.Body.String())

	rec = s.do(http.MethodGet, "/health", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), `"environment":"test"`)

	s.health.RegisterCheck("database", func(context.Context) error { return nil })
	rec = s.do(http.MethodGet, "/health/ready", "")
	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"status":"ready","checks":{"database":"up"}}`, rec.Body.String())

	s.health.RegisterCheck("redis", func(context.Context) error { return errors.New("connection refused") })
	rec = s.do(http.MethodGet, "/health/ready", "")
	s.Equal(http.StatusServiceUnavailable, rec.Code)
	s.JSONEq(`{"status":"not_ready","checks":{"database":"up","redis":"down: connection refused"}}`, rec.Body.String())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(domainerrors.CodeValidation))
	assert.Equal(t, http.StatusConflict, statusFor(domainerrors.CodeConflict))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(domainerrors.CodeTimeout))
	assert.Equal(t, http.StatusInternalServerError, statusFor(domainerrors.CodeDataAccess))
	assert.Equal(t, http.StatusInternalServerError, statusFor(domainerrors.CodeInternal))
}
