package purchase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/magabrotheeeer/entitlement-service/internal/entitlement"
	"github.com/magabrotheeeer/entitlement-service/internal/http/middlewarectx"
	"github.com/magabrotheeeer/entitlement-service/internal/models"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) HandlePurchase(ctx context.Context, event models.PurchaseEvent) error {
	return m.Called(ctx, event).Error(0)
}

func (m *MockService) Current(ctx context.Context, userID string) (models.SubscriptionRecord, error) {
	args := m.Called(ctx, userID)
	rec, _ := args.Get(0).(models.SubscriptionRecord)
	return rec, args.Error(1)
}

func TestPurchaseHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	expires := time.Date(2026, 11, 13, 9, 0, 0, 0, time.UTC)
	active := models.SubscriptionRecord{
		UserID:    "u1",
		Status:    models.StatusActive,
		ProductID: "premium_monthly",
		ExpiresAt: &expires,
		Source:    models.SourceBackend,
	}
	event := models.PurchaseEvent{UserID: "u1", Receipt: "tok_abc", ProductID: "premium_monthly"}

	tests := []struct {
		name           string
		userID         string
		body           string
		setupMock      func(*MockService)
		expectedStatus int
		expectedBody   []string
	}{
		{
			name:   "подтверждённая покупка",
			userID: "u1",
			body:   `{"receipt":"tok_abc","productId":"premium_monthly"}`,
			setupMock: func(m *MockService) {
				m.On("HandlePurchase", mock.Anything, event).Return(nil)
				m.On("Current", mock.Anything, "u1").Return(active, nil)
			},
			expectedStatus: http.StatusOK,
			expectedBody:   []string{`"outcome":"ok"`, `"status":"active"`, `"entitled":true`},
		},
		{
			name:   "бэкенд недоступен",
			userID: "u1",
			body:   `{"receipt":"tok_abc","productId":"premium_monthly"}`,
			setupMock: func(m *MockService) {
				m.On("HandlePurchase", mock.Anything, event).
					Return(fmt.Errorf("verify: %w", entitlement.ErrTransientVerification))
				m.On("Current", mock.Anything, "u1").Return(models.NewRecord("u1"), nil)
			},
			expectedStatus: http.StatusOK,
			expectedBody:   []string{`"outcome":"pending"`, `"status":"none"`},
		},
		{
			name:   "чек отклонён",
			userID: "u1",
			body:   `{"receipt":"tok_abc","productId":"premium_monthly"}`,
			setupMock: func(m *MockService) {
				m.On("HandlePurchase", mock.Anything, event).Return(&entitlement.RejectedError{Reason: "refunded"})
				m.On("Current", mock.Anything, "u1").Return(models.NewRecord("u1"), nil)
			},
			expectedStatus: http.StatusOK,
			expectedBody:   []string{`"outcome":"not_subscribed"`, `"entitled":false`},
		},
		{
			name:   "хранилище недоступно",
			userID: "u1",
			body:   `{"receipt":"tok_abc","productId":"premium_monthly"}`,
			setupMock: func(m *MockService) {
				m.On("HandlePurchase", mock.Anything, event).Return(errors.New("connection refused"))
			},
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   []string{`"error":"could not handle purchase"`},
		},
		{
			name:           "некорректный JSON",
			userID:         "u1",
			body:           `{"receipt":`,
			setupMock:      func(_ *MockService) {},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   []string{`"error":"invalid request body"`},
		},
		{
			name:           "нет чека",
			userID:         "u1",
			body:           `{"productId":"premium_monthly"}`,
			setupMock:      func(_ *MockService) {},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedBody:   []string{`field Receipt is a required field`},
		},
		{
			name:           "нет пользователя",
			body:           `{"receipt":"tok_abc","productId":"premium_monthly"}`,
			setupMock:      func(_ *MockService) {},
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockService)
			tt.setupMock(svc)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/entitlement/purchases", strings.NewReader(tt.body))
			if tt.userID != "" {
				req = req.WithContext(middlewarectx.WithUser(req.Context(), tt.userID))
			}
			w := httptest.NewRecorder()

			New(logger, svc).ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			for _, want := range tt.expectedBody {
				assert.Contains(t, w.Body.String(), want)
			}
			assert.NotContains(t, w.Body.String(), "tok_abc")
			svc.AssertExpectations(t)
		})
	}
}
