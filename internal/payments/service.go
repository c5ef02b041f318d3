// Package payments records payments behind an idempotency key.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"orderflow/internal/apperr"
	"orderflow/internal/idempotency"
	"orderflow/internal/models"
	"orderflow/internal/telemetry"
)

// Repository persists and lists payments.
type Repository interface {
	CreatePayment(ctx context.Context, p models.Payment) (models.Payment, error)
	ListPayments(ctx context.Context) ([]models.Payment, error)
}

type Service struct {
	repo  Repository
	coord *idempotency.Coordinator
	log   *zap.SugaredLogger
}

func NewService(repo Repository, coord *idempotency.Coordinator, log *zap.SugaredLogger) *Service {
	return &Service{repo: repo, coord: coord, log: log}
}

// Pay creates one payment per idempotency key. The body is only decoded when
// the key is new; a replay returns the first response whatever body it carries.
func (s *Service) Pay(ctx context.Context, key string, body []byte) (idempotency.Response, error) {
	resp, err := s.coord.Execute(ctx, key, body, func(ctx context.Context) (int, any, error) {
		req, err := decodeRequest(body)
		if err != nil {
			return 0, nil, err
		}
		p, err := s.repo.CreatePayment(ctx, models.Payment{
			Amount:      req.Amount,
			Currency:    req.Currency,
			Description: req.Description,
			Status:      models.PaymentCompleted,
		})
		if err != nil {
			return 0, nil, apperr.Wrap(apperr.ErrStore, err)
		}
		return http.StatusCreated, p, nil
	})
	if err != nil {
		return idempotency.Response{}, err
	}
	if resp.Replayed {
		s.log.Infow("payment replayed", "key", key, "status", resp.Status)
	} else {
		telemetry.PaymentsCreated.Inc()
		s.log.Infow("payment created", "key", key)
	}
	return resp, nil
}

// List returns every payment ordered by id.
func (s *Service) List(ctx context.Context) ([]models.Payment, error) {
	out, err := s.repo.ListPayments(ctx)
	return out, apperr.Wrap(apperr.ErrStore, err)
}

func decodeRequest(body []byte) (models.PaymentRequest, error) {
	var req models.PaymentRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&req); err != nil {
		return models.PaymentRequest{}, apperr.Invalid("invalid json: %v", err)
	}
	if err := models.Validator().Struct(req); err != nil {
		return models.PaymentRequest{}, apperr.Invalid("%s", models.ValidationMessage(err))
	}
	if req.Currency == "" {
		req.Currency = models.DefaultCurrency
	}
	req.Currency = strings.ToUpper(req.Currency)
	return req, nil
}
